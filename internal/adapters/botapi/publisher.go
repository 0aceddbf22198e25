// Пакет botapi публикует подготовленные посты в каналы через Telegram Bot API.
//
// Публикатор — единственная точка исходящего трафика планировщика:
//   - не более пяти одновременных публикаций на процесс;
//   - публикации в один канал сериализуются поканальным мьютексом;
//   - все запросы идут через общий троттлер с ретраями и соблюдением
//     серверного retry_after.
//
// Ошибка публикации возвращается вызывающему: откат слота и брони
// дедупликации — ответственность планировщика.
package botapi

import (
	"bytes"
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/infra/concurrency"
	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// maxConcurrentPublishes — глобальный потолок одновременных отправок.
	maxConcurrentPublishes = 5

	// captionLimit — лимит Bot API на длину подписи к медиа, в символах.
	captionLimit = 1024

	httpClientTimeout = 30 * time.Second
	maxSendRetries    = 3
)

// Publisher отправляет посты и форварды через Bot API. Потокобезопасен.
type Publisher struct {
	bot       *telego.Bot
	throttler *throttle.Throttler
	sem       *semaphore.Weighted
	locks     *concurrency.KeyedLocker
}

// NewPublisher создаёт публикатора для бота с токеном token. rps задаёт
// целевую среднюю частоту запросов к Bot API. Перед использованием нужно
// вызвать Start.
func NewPublisher(token string, rps int) (*Publisher, error) {
	bot, err := telego.NewBot(token, telego.WithHTTPClient(&http.Client{
		Timeout: httpClientTimeout,
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create bot api client")
	}

	return &Publisher{
		bot: bot,
		throttler: throttle.New(rps,
			throttle.WithMaxRetries(maxSendRetries),
			throttle.WithWaitExtractors(RetryAfterExtractor()),
		),
		sem:   semaphore.NewWeighted(maxConcurrentPublishes),
		locks: concurrency.NewKeyedLocker(),
	}, nil
}

// Start запускает троттлер исходящих запросов.
func (p *Publisher) Start(ctx context.Context) { p.throttler.Start(ctx) }

// Stop останавливает троттлер и его фоновые горутины.
func (p *Publisher) Stop() { p.throttler.Stop() }

// Publish отправляет пост в канал chatID. Идентификатор ожидается в нотации
// Bot API (каналы и супергруппы — со смещением -100...). Возвращает ошибку,
// если отправка не удалась после всех повторных попыток.
func (p *Publisher) Publish(ctx context.Context, chatID int64, post *content.Post) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.locks.Lock(chatID)
	defer p.locks.Unlock(chatID)

	err := p.throttler.Do(ctx, func() error {
		return classify(p.send(ctx, tu.ID(chatID), post))
	})
	if err != nil {
		logger.Error("Публикация в канал не удалась",
			zap.Int64("chat", chatID),
			zap.String("kind", string(post.Kind)),
			zap.Error(err),
		)
		return errors.Wrapf(err, "publish %s to %d", post.Kind, chatID)
	}

	logger.Debug("Пост опубликован", zap.Int64("chat", chatID), zap.String("kind", string(post.Kind)))
	return nil
}

// Forward пересылает сообщение messageID из fromChatID в chatID с плашкой
// «переслано из». Используется слотами-репостами.
func (p *Publisher) Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.locks.Lock(chatID)
	defer p.locks.Unlock(chatID)

	err := p.throttler.Do(ctx, func() error {
		_, sendErr := p.bot.ForwardMessage(ctx, &telego.ForwardMessageParams{
			ChatID:     tu.ID(chatID),
			FromChatID: tu.ID(fromChatID),
			MessageID:  messageID,
		})
		return classify(sendErr)
	})
	if err != nil {
		logger.Error("Форвард не удался",
			zap.Int64("chat", chatID),
			zap.Int64("from", fromChatID),
			zap.Int("message", messageID),
			zap.Error(err),
		)
		return errors.Wrapf(err, "forward message %d from %d to %d", messageID, fromChatID, chatID)
	}
	return nil
}

// send выполняет одну попытку отправки по виду поста.
func (p *Publisher) send(ctx context.Context, target telego.ChatID, post *content.Post) error {
	switch post.Kind {
	case content.KindText:
		_, err := p.bot.SendMessage(ctx, tu.Message(target, post.Text))
		return err

	case content.KindPhoto:
		_, err := p.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:  target,
			Photo:   inputFile(post, attachmentName(post.Kind)),
			Caption: captionFor(post),
		})
		return err

	case content.KindVideo:
		_, err := p.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID:  target,
			Video:   inputFile(post, attachmentName(post.Kind)),
			Caption: captionFor(post),
		})
		return err

	case content.KindDocument:
		_, err := p.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   target,
			Document: inputFile(post, attachmentName(post.Kind)),
			Caption:  captionFor(post),
		})
		return err

	case content.KindAudio:
		_, err := p.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID:  target,
			Audio:   inputFile(post, attachmentName(post.Kind)),
			Caption: captionFor(post),
		})
		return err

	case content.KindVoice:
		// Голосовые уходят без подписи.
		_, err := p.bot.SendVoice(ctx, &telego.SendVoiceParams{
			ChatID: target,
			Voice:  inputFile(post, attachmentName(post.Kind)),
		})
		return err

	case content.KindSticker:
		_, err := p.bot.SendSticker(ctx, &telego.SendStickerParams{
			ChatID:  target,
			Sticker: inputFile(post, attachmentName(post.Kind)),
		})
		return err
	}

	return errors.Errorf("unsupported post kind %q", post.Kind)
}

// inputFile собирает вложение для отправки: по file_id, если он известен,
// иначе загрузкой байтов. Свежий reader на каждую попытку.
func inputFile(post *content.Post, name string) telego.InputFile {
	if post.FileID != "" {
		return tu.FileFromID(post.FileID)
	}
	return tu.File(tu.NameReader(bytes.NewReader(post.Media), name))
}

// attachmentName подбирает имя файла по виду вложения. Bot API требует имя
// при multipart-загрузке, содержимое от него не зависит.
func attachmentName(kind content.Kind) string {
	switch kind {
	case content.KindPhoto:
		return "photo.jpg"
	case content.KindVideo:
		return "video.mp4"
	case content.KindAudio:
		return "audio.mp3"
	case content.KindVoice:
		return "voice.ogg"
	case content.KindSticker:
		return "sticker.webp"
	}
	return "document.bin"
}

// captionFor возвращает подпись к медиа: собственную подпись поста либо,
// если её нет, текст поста, усечённый до лимита Bot API.
func captionFor(post *content.Post) string {
	if post.Caption != "" {
		return post.Caption
	}
	return truncateRunes(post.Text, captionLimit)
}

// truncateRunes усекает строку до limit символов, не разрывая руны.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
