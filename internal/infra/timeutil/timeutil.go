// Пакет timeutil содержит служебные функции для работы со временем публикаций:
// текстовый формат слотов в базах арендаторов, границы суток и разбор
// легаси-представлений (разделитель "T", дробные секунды).
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// SlotTimeLayout — канонический текстовый формат времени слота в базе арендатора.
// Время хранится в локальной зоне процесса, без смещения и без дробных секунд.
const SlotTimeLayout = "2006-01-02 15:04:05"

// parseLayouts — допустимые входные форматы. Первый — канонический; остальные
// встречаются в старых базах (ISO-разделитель, дробные секунды).
var parseLayouts = []string{
	SlotTimeLayout,
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
}

// FormatSlotTime возвращает t в каноническом формате SlotTimeLayout в локальной зоне.
func FormatSlotTime(t time.Time) string {
	return t.Local().Format(SlotTimeLayout)
}

// ParseSlotTime разбирает текстовое время слота. Принимает канонический формат и
// легаси-варианты, интерпретирует значение в локальной зоне процесса.
func ParseSlotTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty slot time")
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid slot time %q", value)
}

// StartOfDay возвращает полночь суток, содержащих t, в локальной зоне.
func StartOfDay(t time.Time) time.Time {
	lt := t.Local()
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.Local)
}

// EndOfDay возвращает 23:59:59 суток, содержащих t. Используется как верхняя
// граница окна догенерации слотов на сегодня.
func EndOfDay(t time.Time) time.Time {
	lt := t.Local()
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 23, 59, 59, 0, time.Local)
}

// StartOfNextDay возвращает полночь следующих суток относительно t.
func StartOfNextDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// SameDay сообщает, принадлежат ли оба момента одним локальным суткам.
func SameDay(a, b time.Time) bool {
	al, bl := a.Local(), b.Local()
	return al.Year() == bl.Year() && al.YearDay() == bl.YearDay()
}

// IsLastMinuteOfDay сообщает, попадает ли t в последнюю минуту суток (23:59).
// Слоты из этой минуты при генерации переносятся на начало следующих суток.
func IsLastMinuteOfDay(t time.Time) bool {
	lt := t.Local()
	return lt.Hour() == 23 && lt.Minute() == 59
}
