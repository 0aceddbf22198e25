package telegram

import (
	"bytes"
	"context"
	"time"

	"telegram-scheduler/internal/domain/content"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// History отдаёт последние сообщения донора, новые первыми. Реализация
// content.Reader поверх MTProto.
func (s *Session) History(ctx context.Context, donor content.Donor, limit int) ([]content.Message, error) {
	in, err := s.resolveDonor(ctx, donor)
	if err != nil {
		return nil, err
	}
	res, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  in,
		Limit: limit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get history of %s", donor)
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil, errors.New("unexpected empty history response")
	}

	msgs := modified.GetMessages()
	out := make([]content.Message, 0, len(msgs))
	for _, raw := range msgs {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		m, loc := normalize(msg)
		if loc != nil {
			m.Media = &lazyMedia{session: s, loc: loc}
		}
		out = append(out, m)
	}
	return out, nil
}

// normalize переводит сообщение MTProto во внутреннее представление.
// Сообщения с неподдерживаемым вложением получают пустой Kind, выборщик
// такие пропускает. Второе значение — локация вложения для загрузчика.
func normalize(msg *tg.Message) (content.Message, tg.InputFileLocationClass) {
	m := content.Message{
		ID:   msg.ID,
		Date: time.Unix(int64(msg.Date), 0),
	}
	if gid, ok := msg.GetGroupedID(); ok {
		m.AlbumID = gid
	}

	media, hasMedia := msg.GetMedia()
	if !hasMedia {
		if msg.Message != "" {
			m.Kind = content.KindText
			m.Text = msg.Message
		}
		return m, nil
	}

	switch md := media.(type) {
	case *tg.MessageMediaWebPage:
		// Превью ссылки: по содержанию это текстовое сообщение.
		if msg.Message != "" {
			m.Kind = content.KindText
			m.Text = msg.Message
		}
		return m, nil

	case *tg.MessageMediaPhoto:
		p, ok := md.GetPhoto()
		if !ok {
			return m, nil
		}
		photo, ok := p.AsNotEmpty()
		if !ok {
			return m, nil
		}
		m.Kind = content.KindPhoto
		m.Caption = msg.Message
		return m, &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestThumb(photo.Sizes),
		}

	case *tg.MessageMediaDocument:
		d, ok := md.GetDocument()
		if !ok {
			return m, nil
		}
		doc, ok := d.AsNotEmpty()
		if !ok {
			return m, nil
		}
		kind := documentKind(doc)
		if kind == "" {
			return m, nil
		}
		m.Kind = kind
		// У голосовых и стикеров подписи не бывает.
		if kind != content.KindVoice && kind != content.KindSticker {
			m.Caption = msg.Message
		}
		return m, &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
	}
	return m, nil
}

// documentKind классифицирует документ по атрибутам. Видеосообщения (кружки)
// не поддерживаются и дают пустой вид.
func documentKind(doc *tg.Document) content.Kind {
	var voice, audio, video, round, sticker bool
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			sticker = true
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				voice = true
			} else {
				audio = true
			}
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				round = true
			} else {
				video = true
			}
		}
	}
	switch {
	case sticker:
		return content.KindSticker
	case voice:
		return content.KindVoice
	case round:
		return ""
	case audio:
		return content.KindAudio
	case video:
		return content.KindVideo
	default:
		return content.KindDocument
	}
}

// largestThumb выбирает тип самого крупного из доступных размеров фото.
func largestThumb(sizes []tg.PhotoSizeClass) string {
	best := ""
	bestArea := -1
	for _, s := range sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			if area := sz.W * sz.H; area > bestArea {
				bestArea, best = area, sz.Type
			}
		case *tg.PhotoSizeProgressive:
			if area := sz.W * sz.H; area > bestArea {
				bestArea, best = area, sz.Type
			}
		}
	}
	return best
}

// lazyMedia скачивает вложение при первом обращении. Скачивание идёт через
// клиент сессии и живёт не дольше неё.
type lazyMedia struct {
	session *Session
	loc     tg.InputFileLocationClass
}

func (l *lazyMedia) Bytes(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := l.session.dl.Download(l.session.api, l.loc).Stream(ctx, &buf); err != nil {
		return nil, errors.Wrap(err, "download attachment")
	}
	return buf.Bytes(), nil
}
