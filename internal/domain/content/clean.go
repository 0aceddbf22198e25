package content

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// linkRe находит ссылки t.me / telegram.me (включая инвайты) в любом месте
// текста, с протоколом или без.
var linkRe = regexp.MustCompile(`(https?://)?t(?:elegram)?\.me/[A-Za-z0-9_+/]+`)

// mentionRe находит кандидатов в упоминания. Требование «отдельного токена»
// (пробельные границы) RE2 выразить не может, его проверяет stripMentions.
var mentionRe = regexp.MustCompile(`@[A-Za-z0-9_]{3,}`)

// CleanText удаляет из текста ссылки на телеграм-каналы и отдельно стоящие
// упоминания «@username», сохраняя все пробелы и переводы строк. Упоминание
// считается отдельным токеном, когда слева и справа от него пробельный символ
// либо край строки; адреса почты и сцепленные упоминания не затрагиваются.
func CleanText(text string) string {
	if text == "" {
		return text
	}
	text = linkRe.ReplaceAllString(text, "")
	return stripMentions(text)
}

func stripMentions(text string) string {
	matches := mentionRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if !standalone(text, start, end) {
			continue
		}
		b.WriteString(text[last:start])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// standalone проверяет пробельные границы токена text[start:end].
func standalone(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsSpace(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
