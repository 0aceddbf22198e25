package store

import (
	"encoding/json"
	"time"

	"telegram-scheduler/internal/infra/timeutil"
)

// timeEntry — один элемент расписания next_post_times_json. Raw сохраняет
// исходную строку: записи, которые не переписываются, возвращаются в базу
// байт в байт.
type timeEntry struct {
	Raw string
	At  time.Time
}

// timeEntries разбирает JSON-расписание. Возвращает читаемые записи и общее
// число элементов документа, включая нечитаемые: по разнице этих величин
// уборка понимает, что расписание пора переписать. Повреждённый документ
// считается пустым.
func timeEntries(raw string) ([]timeEntry, int) {
	if raw == "" {
		return nil, 0
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, 0
	}
	entries := make([]timeEntry, 0, len(items))
	for _, item := range items {
		text, ok := item.(string)
		if !ok {
			continue
		}
		at, err := timeutil.ParseSlotTime(text)
		if err != nil {
			continue
		}
		entries = append(entries, timeEntry{Raw: text, At: at})
	}
	return entries, len(items)
}

// marshalRawTimes сериализует строки расписания. Пустой список даёт "[]".
func marshalRawTimes(raws []string) string {
	if len(raws) == 0 {
		return "[]"
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// marshalTimes сериализует времена в каноническом формате хранения.
func marshalTimes(times []time.Time) string {
	raws := make([]string, len(times))
	for i, at := range times {
		raws[i] = timeutil.FormatSlotTime(at)
	}
	return marshalRawTimes(raws)
}
