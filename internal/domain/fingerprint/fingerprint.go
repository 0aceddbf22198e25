// Пакет fingerprint строит короткие отпечатки содержимого постов для
// дедупликации в пределах целевого канала. Отпечаток детерминирован: повторная
// выборка того же сообщения даёт ту же строку.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// hashPrefixLen — длина усечённого hex-представления SHA-256.
// 128 бит достаточно против случайных коллизий на объёмах одного канала.
const hashPrefixLen = 32

// textPrefixLen — сколько символов текста/подписи участвует в отпечатке.
// Усечение делает отпечаток устойчивым к хвостовым правкам длинных постов.
const textPrefixLen = 300

// MediaHash возвращает усечённый SHA-256 от байтов медиафайла.
// Для пустого содержимого возвращается пустая строка: отсутствие медиа
// и медиа нулевой длины неразличимы для дедупликации.
func MediaHash(media []byte) string {
	if len(media) == 0 {
		return ""
	}
	sum := sha256.Sum256(media)
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// Of строит отпечаток поста из его типа, подписи, текста и байтов медиа.
// Текстовые поля очищаются от краевых пробелов и усекаются до textPrefixLen
// символов (по рунам, не байтам), затем хешируется строка
// "{kind}|{caption}|{text}|{media_hash}".
func Of(kind, caption, text string, media []byte) string {
	base := fmt.Sprintf("%s|%s|%s|%s",
		kind,
		truncateRunes(strings.TrimSpace(caption), textPrefixLen),
		truncateRunes(strings.TrimSpace(text), textPrefixLen),
		MediaHash(media),
	)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// truncateRunes усекает строку до limit символов, не разрывая руны.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
