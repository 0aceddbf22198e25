package scheduler

import (
	"context"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/fingerprint"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"

	"go.uber.org/zap"
)

// periodicPass обслуживает периодические потоки: раз в periodicInterval
// берёт у донора случайный свежий пост и рассылает его по целям. Отметка
// времени двигается после любой попытки рассылки, даже частично неудачной,
// чтобы сбойная цель не превращала поток в ежетиковый.
func (e *Engine) periodicPass(ctx context.Context, st *store.Store) error {
	streams, err := st.ActivePeriodicStreams(ctx)
	if err != nil {
		return err
	}
	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := e.Now()
		if last, ok := stream.LastPostedAt(); ok && now.Sub(last) < periodicInterval {
			continue
		}

		targets := stream.Targets()
		if len(targets) == 0 {
			logger.Debug("Периодический поток без целей пропущен",
				zap.Int64("stream", stream.ID))
			continue
		}

		reader, err := e.readerFor(ctx, st, stream.PhoneNumber, stream.IsPublic)
		if err != nil {
			logger.Warn("Читающая сессия для периодического потока недоступна",
				zap.Int64("stream", stream.ID), zap.Error(err))
			continue
		}

		donor := content.ParseDonor(stream.DonorChannel)
		post, err := e.fetcher.Random(ctx, reader, donor, periodicFreshnessDays, now)
		if err != nil {
			// Отметку не двигаем: без поста попытки не было.
			logger.Warn("Пост для периодического потока не получен",
				zap.Int64("stream", stream.ID),
				zap.String("donor", donor.String()),
				zap.Error(err),
			)
			continue
		}

		fpr := fingerprint.Of(string(post.Kind), post.Caption, post.Text, post.Media)
		for _, target := range targets {
			if err := ctx.Err(); err != nil {
				return err
			}
			fresh, err := st.ReserveDedup(ctx, target, fpr, now)
			if err != nil {
				logger.Warn("Бронь отпечатка не удалась, публикуем без неё",
					zap.Int64("chat", target), zap.Error(err))
			} else if !fresh {
				logger.Debug("Цель уже получала этот контент, пропущена",
					zap.Int64("stream", stream.ID), zap.Int64("chat", target))
				continue
			}
			if err := e.publisher.Publish(ctx, target, post); err != nil {
				logger.Error("Периодическая публикация не удалась",
					zap.Int64("stream", stream.ID),
					zap.Int64("chat", target),
					zap.Error(err),
				)
				continue
			}
			logger.Info("Периодический пост опубликован",
				zap.Int64("stream", stream.ID),
				zap.Int64("chat", target),
				zap.String("kind", string(post.Kind)),
			)
		}

		if err := st.TouchPeriodicStream(ctx, stream.ID, e.Now()); err != nil {
			return err
		}
	}
	return nil
}
