package scheduler

import (
	"context"
	"strconv"
	"strings"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"

	"go.uber.org/zap"
)

// oneShotPass публикует наступившие разовые посты. Слот с неизвестным типом
// или нечитаемым содержимым помечается опубликованным, чтобы не зависать
// в очереди навсегда; слот с неудачной отправкой остаётся ожидающим.
func (e *Engine) oneShotPass(ctx context.Context, st *store.Store) error {
	now := e.Now()
	slots, err := st.DueOneShotSlots(ctx, now, oneShotBatch)
	if err != nil {
		return err
	}

	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.publishOneShot(ctx, slot); err != nil {
			logger.Error("Разовый пост не опубликован",
				zap.Int64("slot", slot.ID),
				zap.Int64("chat", slot.ChannelID),
				zap.String("type", slot.ContentType),
				zap.Error(err),
			)
			continue
		}
		if err := st.CommitSlot(ctx, slot.ID, e.Now()); err != nil {
			return err
		}
		logger.Info("Разовый пост опубликован",
			zap.Int64("slot", slot.ID),
			zap.Int64("chat", slot.ChannelID),
			zap.String("type", slot.ContentType),
		)
	}
	return nil
}

// publishOneShot отправляет один разовый слот. Возвращает nil и для слотов,
// которые отправлять нечем (неизвестный тип, битый репост): такие
// поглощаются, о чём остаётся предупреждение в журнале.
func (e *Engine) publishOneShot(ctx context.Context, slot store.OneShotSlot) error {
	switch slot.ContentType {
	case "text":
		return e.publisher.Publish(ctx, slot.ChannelID, &content.Post{
			Kind: content.KindText,
			Text: content.CleanText(slot.Content),
		})
	case "photo":
		return e.publisher.Publish(ctx, slot.ChannelID, &content.Post{
			Kind:    content.KindPhoto,
			FileID:  slot.MediaID,
			Caption: content.CleanText(slot.Content),
		})
	case "video":
		return e.publisher.Publish(ctx, slot.ChannelID, &content.Post{
			Kind:    content.KindVideo,
			FileID:  slot.MediaID,
			Caption: content.CleanText(slot.Content),
		})
	case "repost":
		fromChat, messageID, ok := parseRepostContent(slot.Content)
		if !ok {
			logger.Warn("Слот-репост с нечитаемым содержимым поглощён",
				zap.Int64("slot", slot.ID),
				zap.String("content", slot.Content),
			)
			return nil
		}
		return e.publisher.Forward(ctx, slot.ChannelID, fromChat, messageID)
	}

	logger.Warn("Разовый пост неизвестного типа поглощён",
		zap.Int64("slot", slot.ID),
		zap.String("type", slot.ContentType),
	)
	return nil
}

// parseRepostContent разбирает содержимое слота-репоста вида
// "_<канал>_<сообщение>". Канал может быть отрицательным, номер сообщения —
// только неотрицательным числом.
func parseRepostContent(s string) (fromChat int64, messageID int, ok bool) {
	parts := strings.Split(s, "_")
	if len(parts) < 3 {
		return 0, 0, false
	}
	fromChat, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[2] == "" || strings.ContainsAny(parts[2], "+-") {
		return 0, 0, false
	}
	messageID, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, false
	}
	return fromChat, messageID, true
}
