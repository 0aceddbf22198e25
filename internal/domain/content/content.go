// Пакет content описывает нормализованное содержимое постов: виды вложений,
// готовую к публикации полезную нагрузку и выбор случайного кандидата из
// истории канала-донора. Пакет не знает ни о Telegram-клиенте, ни о хранилище:
// историю поставляет абстрактный Reader, вложения скачиваются лениво.
package content

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Kind — вид содержимого поста. Значения совпадают с content_type в базах
// арендаторов и с видами полезной нагрузки Bot API.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindSticker  Kind = "sticker"
)

// Post — полезная нагрузка, готовая к публикации. Вложение задаётся либо
// байтами (скачано из донора), либо идентификатором файла Bot API — так
// хранят медиа разовые слоты.
type Post struct {
	Kind    Kind
	Text    string
	Caption string
	Media   []byte
	FileID  string
}

// Donor — нормализованная ссылка на канал-донор: числовой идентификатор
// либо юзернейм без «@».
type Donor struct {
	ID       int64
	Username string
}

// ParseDonor приводит сырую ссылку из снимка потока к нормализованной форме:
// «@name» и голое имя становятся юзернеймом, десятичная запись — числовым
// идентификатором.
func ParseDonor(ref string) Donor {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "@") {
		return Donor{Username: strings.TrimPrefix(ref, "@")}
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return Donor{ID: id}
	}
	return Donor{Username: ref}
}

// String возвращает ссылку в журнальном виде.
func (d Donor) String() string {
	if d.Username != "" {
		return "@" + d.Username
	}
	return strconv.FormatInt(d.ID, 10)
}

// Media — лениво загружаемое вложение сообщения. Реализация живёт в адаптере
// Telegram и скачивает файл в память при обращении.
type Media interface {
	Bytes(ctx context.Context) ([]byte, error)
}

// Message — нормализованное сообщение истории донора. Текст и подпись
// хранятся как в источнике, без очистки.
type Message struct {
	ID      int
	Date    time.Time
	Kind    Kind   // пустая строка — неподдерживаемое содержимое
	Text    string // только для KindText
	Caption string // подпись вложения
	AlbumID int64  // идентификатор медиагруппы, 0 — одиночное сообщение
	Media   Media  // nil для текстовых сообщений
}

// Reader абстрагирует чтение истории канала-донора. Реализация — сессия
// пользовательского аккаунта; сообщения возвращаются от новых к старым.
type Reader interface {
	History(ctx context.Context, donor Donor, limit int) ([]Message, error)
}
