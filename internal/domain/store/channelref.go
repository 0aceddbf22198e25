package store

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ChannelRef — ссылка на канал в снимках потоков: числовой идентификатор
// либо строковое имя («@username» или голое имя). В JSON числовая форма
// остаётся числом, строковая — строкой, поэтому повторная сериализация
// не меняет вид исходных данных.
type ChannelRef struct {
	ID     int64
	Handle string
}

// NumericRef возвращает ссылку по числовому идентификатору.
func NumericRef(id int64) ChannelRef { return ChannelRef{ID: id} }

// HandleRef возвращает ссылку по строковому имени.
func HandleRef(handle string) ChannelRef { return ChannelRef{Handle: handle} }

// IsNumeric сообщает, задана ли ссылка числовым идентификатором.
func (r ChannelRef) IsNumeric() bool { return r.Handle == "" }

// String возвращает ссылку в виде, пригодном для разрешения донора:
// число — десятичной записью, имя — как хранится.
func (r ChannelRef) String() string {
	if r.IsNumeric() {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Handle
}

// MarshalJSON кодирует числовые ссылки числом, строковые — строкой.
func (r ChannelRef) MarshalJSON() ([]byte, error) {
	if r.IsNumeric() {
		return []byte(strconv.FormatInt(r.ID, 10)), nil
	}
	return json.Marshal(r.Handle)
}

// ParseChannelRefs разбирает JSON-массив ссылок на каналы. Повреждённый
// документ даёт пустой список: вызывающий код трактует его как «доноров нет»,
// а починкой значения занимается миграция. Пустые строки и элементы
// неожиданных типов пропускаются.
func ParseChannelRefs(raw string) []ChannelRef {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil
	}
	refs := make([]ChannelRef, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			refs = append(refs, HandleRef(v))
		case json.Number:
			id, ok := numberToInt64(v)
			if !ok {
				continue
			}
			refs = append(refs, NumericRef(id))
		}
	}
	return refs
}

// MarshalChannelRefs кодирует список ссылок обратно в JSON-массив.
func MarshalChannelRefs(refs []ChannelRef) string {
	if len(refs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ParseChannelIDs разбирает список целевых каналов: JSON-массив чисел либо
// устаревший CSV из числовых идентификаторов. Элементы, которые не удаётся
// привести к числу, пропускаются.
func ParseChannelIDs(raw string) []int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var items []any
		if err := dec.Decode(&items); err != nil {
			return nil
		}
		ids := make([]int64, 0, len(items))
		for _, item := range items {
			switch v := item.(type) {
			case json.Number:
				if id, ok := numberToInt64(v); ok {
					ids = append(ids, id)
				}
			case string:
				if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
					ids = append(ids, id)
				}
			}
		}
		return ids
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// MarshalChannelIDs кодирует список целевых каналов в JSON-массив.
func MarshalChannelIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// numberToInt64 приводит json.Number к int64, при необходимости через float.
func numberToInt64(n json.Number) (int64, bool) {
	if id, err := n.Int64(); err == nil {
		return id, true
	}
	if f, err := n.Float64(); err == nil {
		return int64(f), true
	}
	return 0, false
}

// isDigits сообщает, состоит ли строка только из десятичных цифр.
// Знак минуса цифрой не считается: строка «-100» остаётся строковой ссылкой.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
