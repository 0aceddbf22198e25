package scheduler

import (
	"context"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/fingerprint"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"

	"go.uber.org/zap"
)

// repostPass зеркалит новые посты доноров в целевые каналы. Потоки работают
// от основной привязанной сессии, если к потоку не привязан отдельный номер.
func (e *Engine) repostPass(ctx context.Context, st *store.Store) error {
	streams, err := st.ActiveRepostStreams(ctx)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return nil
	}

	mainCred, ok, err := st.MainSessionString(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("Репост-потоки настроены, но основная сессия не привязана")
		return nil
	}

	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			return err
		}

		cred := mainCred
		if !stream.IsPublic && stream.PhoneNumber != "" {
			c, ok, err := st.SessionStringByPhone(ctx, stream.PhoneNumber)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn("Привязанный аккаунт репост-потока не найден",
					zap.Int64("stream", stream.ID),
					zap.String("phone", stream.PhoneNumber),
				)
				continue
			}
			cred = c
		}

		reader, err := e.sessions.Reader(ctx, cred)
		if err != nil {
			logger.Warn("Читающая сессия для репост-потока недоступна",
				zap.Int64("stream", stream.ID), zap.Error(err))
			continue
		}

		if err := e.runRepostStream(ctx, st, stream, reader); err != nil {
			return err
		}
	}
	return nil
}

// runRepostStream обрабатывает один поток. Новый поток сначала берёт точку
// отсчёта: запоминает последнее сообщение донора и ничего не публикует,
// иначе первый же проход вывалил бы в каналы полсотни старых постов.
func (e *Engine) runRepostStream(ctx context.Context, st *store.Store, stream store.RepostStream, reader content.Reader) error {
	targets := stream.Targets()
	if len(targets) == 0 {
		logger.Debug("Репост-поток без целей пропущен", zap.Int64("stream", stream.ID))
		return nil
	}
	donor := content.ParseDonor(stream.DonorChannel)

	if stream.LastMessageID == 0 {
		msgs, err := reader.History(ctx, donor, 1)
		if err != nil {
			logger.Warn("История донора недоступна",
				zap.String("donor", donor.String()),
				zap.Int64("stream", stream.ID),
				zap.Error(err),
			)
			return nil
		}
		if len(msgs) > 0 {
			if err := st.BumpLastSeen(ctx, stream.ID, int64(msgs[0].ID)); err != nil {
				return err
			}
			logger.Info("Репост-поток взял точку отсчёта",
				zap.Int64("stream", stream.ID),
				zap.String("donor", donor.String()),
				zap.Int("message_id", msgs[0].ID),
			)
		}
		return nil
	}

	msgs, err := reader.History(ctx, donor, repostHistoryLimit)
	if err != nil {
		logger.Warn("История донора недоступна",
			zap.String("donor", donor.String()),
			zap.Int64("stream", stream.ID),
			zap.Error(err),
		)
		return nil
	}

	// История идёт от новых к старым: собираем непросмотренный хвост.
	fresh := make([]content.Message, 0, len(msgs))
	for _, m := range msgs {
		if int64(m.ID) <= stream.LastMessageID {
			break
		}
		if m.Kind == "" {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}
	// Публикуем в хронологическом порядке.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}

	maxID := stream.LastMessageID
	for _, m := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		fpr := repostFingerprint(m)
		for _, target := range targets {
			isFresh, err := st.ReserveDedup(ctx, target, fpr, e.Now())
			if err != nil {
				logger.Warn("Бронь отпечатка не удалась, публикуем без неё",
					zap.Int64("chat", target), zap.Error(err))
			} else if !isFresh {
				logger.Debug("Цель уже получала этот пост, пропущена",
					zap.Int64("stream", stream.ID),
					zap.Int64("chat", target),
					zap.Int("message_id", m.ID),
				)
				continue
			}

			post, err := content.FromMessage(ctx, m)
			if err != nil {
				logger.Warn("Пост донора не удалось подготовить",
					zap.Int64("stream", stream.ID),
					zap.Int("message_id", m.ID),
					zap.Error(err),
				)
				continue
			}
			if err := e.publisher.Publish(ctx, target, post); err != nil {
				logger.Error("Репост не удался",
					zap.Int64("stream", stream.ID),
					zap.Int64("chat", target),
					zap.Int("message_id", m.ID),
					zap.Error(err),
				)
				continue
			}
			logger.Info("Пост донора отзеркален",
				zap.Int64("stream", stream.ID),
				zap.Int64("chat", target),
				zap.Int("message_id", m.ID),
				zap.String("kind", string(m.Kind)),
			)
			if err := e.wait(ctx, e.pacing); err != nil {
				return err
			}
		}
		if int64(m.ID) > maxID {
			maxID = int64(m.ID)
		}
	}

	if maxID > stream.LastMessageID {
		return st.BumpLastSeen(ctx, stream.ID, maxID)
	}
	return nil
}

// repostFingerprint строит отпечаток до скачивания вложения: байты медиа в
// него не входят, голосовые и стикеры различаются только видом.
func repostFingerprint(m content.Message) string {
	switch m.Kind {
	case content.KindText:
		return fingerprint.Of(string(m.Kind), "", content.CleanText(m.Text), nil)
	case content.KindVoice, content.KindSticker:
		return fingerprint.Of(string(m.Kind), "", "", nil)
	default:
		return fingerprint.Of(string(m.Kind), content.CleanText(m.Caption), "", nil)
	}
}
