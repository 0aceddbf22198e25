package content

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
)

// ErrNoCandidate возвращается, когда в истории донора нет подходящего поста:
// канал пуст, всё старше окна свежести либо содержимое неподдерживаемых видов.
var ErrNoCandidate = errors.New("no suitable candidate")

// DefaultHistoryLimit — сколько последних сообщений донора просматривается
// при выборе случайного кандидата.
const DefaultHistoryLimit = 100

// Fetcher выбирает случайный свежий пост из истории донора и приводит его к
// публикуемой форме. Нулевое значение готово к работе: история читается с
// лимитом DefaultHistoryLimit, кандидат выбирается равномерно.
type Fetcher struct {
	HistoryLimit int
	// Pick возвращает индекс кандидата в [0, n). Подменяется в тестах;
	// nil — rand.IntN.
	Pick func(n int) int
}

// albumGroup — агрегат альбома: первый встреченный элемент и первый элемент
// с подписью.
type albumGroup struct {
	first       *Message
	withCaption *Message
}

func (g *albumGroup) pick() *Message {
	if g.withCaption != nil {
		return g.withCaption
	}
	return g.first
}

// Random возвращает случайный пост донора не старше freshnessDays дней.
// История читается от новых к старым и обрезается на первом устаревшем
// сообщении. Кандидатами считаются тексты, фото и видео; элементы одного
// альбома схлопываются в один кандидат, предпочтительно с подписью. Если
// у выбранного элемента альбома подпись пуста, берётся подпись соседнего.
func (f *Fetcher) Random(ctx context.Context, r Reader, donor Donor, freshnessDays int, now time.Time) (*Post, error) {
	limit := f.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	history, err := r.History(ctx, donor, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "history of %s", donor)
	}

	minDate := now.AddDate(0, 0, -freshnessDays)
	var candidates []Message
	groups := make(map[int64]*albumGroup)
	var groupOrder []int64
	for i := range history {
		m := &history[i]
		if m.Date.Before(minDate) {
			break
		}
		switch m.Kind {
		case KindText, KindPhoto, KindVideo:
		default:
			continue
		}
		if m.AlbumID != 0 {
			g, ok := groups[m.AlbumID]
			if !ok {
				g = &albumGroup{}
				groups[m.AlbumID] = g
				groupOrder = append(groupOrder, m.AlbumID)
			}
			if g.first == nil {
				g.first = m
			}
			if g.withCaption == nil && m.Caption != "" {
				g.withCaption = m
			}
			continue
		}
		candidates = append(candidates, *m)
	}
	for _, id := range groupOrder {
		if picked := groups[id].pick(); picked != nil {
			candidates = append(candidates, *picked)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	selected := candidates[f.pickIndex(len(candidates))]
	post, err := FromMessage(ctx, selected)
	if err != nil {
		return nil, err
	}
	// Подпись соседнего элемента альбома, когда у выбранного её нет.
	if post.Caption == "" && selected.AlbumID != 0 {
		if g := groups[selected.AlbumID]; g != nil && g.withCaption != nil {
			post.Caption = CleanText(g.withCaption.Caption)
		}
	}
	return post, nil
}

func (f *Fetcher) pickIndex(n int) int {
	if f.Pick != nil {
		return f.Pick(n)
	}
	return rand.IntN(n)
}

// FromMessage приводит сообщение донора к публикуемой форме: текст и подпись
// очищаются от телеграм-ссылок, вложение скачивается в память. Голосовые и
// стикеры публикуются без подписи. Сообщение неподдерживаемого вида даёт
// ErrNoCandidate.
func FromMessage(ctx context.Context, m Message) (*Post, error) {
	switch m.Kind {
	case KindText:
		return &Post{Kind: KindText, Text: CleanText(m.Text)}, nil
	case KindPhoto, KindVideo, KindDocument, KindAudio:
		data, err := download(ctx, m)
		if err != nil {
			return nil, err
		}
		return &Post{Kind: m.Kind, Media: data, Caption: CleanText(m.Caption)}, nil
	case KindVoice, KindSticker:
		data, err := download(ctx, m)
		if err != nil {
			return nil, err
		}
		return &Post{Kind: m.Kind, Media: data}, nil
	default:
		return nil, ErrNoCandidate
	}
}

func download(ctx context.Context, m Message) ([]byte, error) {
	if m.Media == nil {
		return nil, errors.Errorf("message %d has no media", m.ID)
	}
	data, err := m.Media.Bytes(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "download media of message %d", m.ID)
	}
	return data, nil
}
