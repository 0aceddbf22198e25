package timeutil_test

import (
	"testing"
	"time"

	"telegram-scheduler/internal/infra/timeutil"
)

func TestParseSlotTime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "канонический формат",
			value: "2025-03-14 08:30:00",
			want:  time.Date(2025, 3, 14, 8, 30, 0, 0, time.Local),
		},
		{
			name:  "легаси ISO-разделитель",
			value: "2025-03-14T08:30:00",
			want:  time.Date(2025, 3, 14, 8, 30, 0, 0, time.Local),
		},
		{
			name:  "дробные секунды отбрасываются при сравнении до секунды",
			value: "2025-03-14 08:30:00.123456",
			want:  time.Date(2025, 3, 14, 8, 30, 0, 123456000, time.Local),
		},
		{
			name:    "пустая строка",
			value:   "",
			wantErr: true,
		},
		{
			name:    "мусор",
			value:   "not-a-time",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := timeutil.ParseSlotTime(tc.value)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSlotTime(%q) expected error, got %v", tc.value, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSlotTime(%q) unexpected error: %v", tc.value, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("ParseSlotTime(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func TestFormatSlotTimeRoundTrip(t *testing.T) {
	t.Parallel()

	orig := time.Date(2025, 12, 31, 23, 59, 59, 0, time.Local)
	formatted := timeutil.FormatSlotTime(orig)
	if formatted != "2025-12-31 23:59:59" {
		t.Fatalf("FormatSlotTime() = %q", formatted)
	}
	back, err := timeutil.ParseSlotTime(formatted)
	if err != nil {
		t.Fatalf("ParseSlotTime() error: %v", err)
	}
	if !back.Equal(orig) {
		t.Fatalf("round trip mismatch: %v != %v", back, orig)
	}
}

func TestDayBounds(t *testing.T) {
	t.Parallel()

	moment := time.Date(2025, 6, 15, 13, 45, 12, 0, time.Local)

	if got := timeutil.StartOfDay(moment); got != time.Date(2025, 6, 15, 0, 0, 0, 0, time.Local) {
		t.Fatalf("StartOfDay() = %v", got)
	}
	if got := timeutil.EndOfDay(moment); got != time.Date(2025, 6, 15, 23, 59, 59, 0, time.Local) {
		t.Fatalf("EndOfDay() = %v", got)
	}
	if got := timeutil.StartOfNextDay(moment); got != time.Date(2025, 6, 16, 0, 0, 0, 0, time.Local) {
		t.Fatalf("StartOfNextDay() = %v", got)
	}
}

func TestSameDay(t *testing.T) {
	t.Parallel()

	a := time.Date(2025, 6, 15, 0, 0, 1, 0, time.Local)
	b := time.Date(2025, 6, 15, 23, 59, 58, 0, time.Local)
	c := time.Date(2025, 6, 16, 0, 0, 0, 0, time.Local)

	if !timeutil.SameDay(a, b) {
		t.Fatal("SameDay(a, b) = false, ожидались одни сутки")
	}
	if timeutil.SameDay(b, c) {
		t.Fatal("SameDay(b, c) = true, ожидались разные сутки")
	}
}

func TestIsLastMinuteOfDay(t *testing.T) {
	t.Parallel()

	if !timeutil.IsLastMinuteOfDay(time.Date(2025, 6, 15, 23, 59, 0, 0, time.Local)) {
		t.Fatal("23:59:00 должна попадать в последнюю минуту")
	}
	if !timeutil.IsLastMinuteOfDay(time.Date(2025, 6, 15, 23, 59, 59, 0, time.Local)) {
		t.Fatal("23:59:59 должна попадать в последнюю минуту")
	}
	if timeutil.IsLastMinuteOfDay(time.Date(2025, 6, 15, 23, 58, 59, 0, time.Local)) {
		t.Fatal("23:58:59 не должна попадать в последнюю минуту")
	}
}
