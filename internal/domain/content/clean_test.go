package content_test

import (
	"testing"

	"telegram-scheduler/internal/domain/content"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"пустая строка", "", ""},
		{"без ссылок", "обычный текст\nв две строки", "обычный текст\nв две строки"},
		{"упоминание и ссылка", "hi @channel visit t.me/x\nend", "hi  visit \nend"},
		{"ссылка с протоколом", "см. https://t.me/somechannel тут", "см.  тут"},
		{"telegram.me и инвайт", "заходи: telegram.me/joinchat/AbC+12 сейчас", "заходи:  сейчас"},
		{"упоминание в начале", "@spam затем текст", " затем текст"},
		{"упоминание в конце", "текст @spam", "текст "},
		{"упоминание отдельной строкой", "первая\n@reklama\nвторая", "первая\n\nвторая"},
		{"почта не трогается", "пишите на user@example.com всегда", "пишите на user@example.com всегда"},
		{"короткое упоминание остаётся", "привет @ab пока", "привет @ab пока"},
		{"упоминание с запятой остаётся", "спроси @channel, он знает", "спроси @channel, он знает"},
		{"сцепленные упоминания остаются", "@abc@def", "@abc@def"},
		{"ссылка внутри слова", "xt.me/abc", "x"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := content.CleanText(tc.in); got != tc.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
