package scheduler

import (
	"context"
	"time"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/fingerprint"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/timeutil"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// randomPass публикует наступившие слоты случайных потоков. Каждый слот
// сначала атомарно захватывается, поэтому параллельный процесс над той же
// базой не опубликует его вторым.
func (e *Engine) randomPass(ctx context.Context, st *store.Store) error {
	slots, err := st.DueRandomSlots(ctx, e.Now(), randomBatch)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.publishRandomSlot(ctx, st, slot); err != nil {
			return err
		}
	}
	return nil
}

// publishRandomSlot проводит один слот через весь протокол: захват,
// подбор неповторяющегося поста, лимиты канала, публикация. Ошибка
// публикации откатывает и слот, и бронь отпечатка.
func (e *Engine) publishRandomSlot(ctx context.Context, st *store.Store, slot store.RandomSlot) error {
	now := e.Now()

	// Выборка сравнивает время строками, поэтому форматный мусор и свежие
	// правки расписания перепроверяются до захвата.
	scheduledAt, parseErr := timeutil.ParseSlotTime(slot.ScheduledTime)
	if parseErr != nil {
		logger.Warn("Слот с нечитаемым временем пропущен",
			zap.Int64("slot", slot.ID),
			zap.String("scheduled_time", slot.ScheduledTime),
		)
		return nil
	}
	if scheduledAt.After(now) {
		return nil
	}

	reserved, err := st.ReserveSlot(ctx, slot.ID)
	if err != nil {
		return err
	}
	if !reserved {
		return nil
	}

	donors := slot.Donors()
	if len(donors) == 0 {
		logger.Warn("Слот без доноров отпущен", zap.Int64("slot", slot.ID))
		return st.ReleaseSlot(ctx, slot.ID)
	}

	reader, err := e.readerFor(ctx, st, slot.PhoneNumber, slot.IsPublic)
	if err != nil {
		logger.Warn("Читающая сессия для слота недоступна",
			zap.Int64("slot", slot.ID), zap.Error(err))
		return st.ReleaseSlot(ctx, slot.ID)
	}

	post, fpr, found, err := e.pickFreshPost(ctx, st, reader, slot, donors, now)
	if err != nil {
		return err
	}
	if !found {
		// Попытки исчерпаны: слот поглощается, иначе он будет молотить
		// доноров каждый тик до конца дня.
		logger.Warn("Неповторяющийся пост не найден, слот поглощён",
			zap.Int64("slot", slot.ID), zap.Int64("chat", slot.ChannelID))
		return st.CommitSlot(ctx, slot.ID, e.Now())
	}

	// Лимиты канала. Сбой самой проверки публикацию не блокирует.
	if e.cfg.MaxPostsPerDay > 0 {
		n, err := st.PublishedInWindow(ctx, slot.ChannelID, now.Add(-24*time.Hour), now)
		if err != nil {
			logger.Warn("Проверка суточного лимита не удалась",
				zap.Int64("chat", slot.ChannelID), zap.Error(err))
		} else if n >= e.cfg.MaxPostsPerDay {
			// Бронь отпечатка остаётся: этот контент уже числится за
			// каналом и не должен прийти позже другим слотом.
			logger.Info("Суточный лимит канала исчерпан, слот поглощён",
				zap.Int64("chat", slot.ChannelID), zap.Int("published", n))
			return st.CommitSlot(ctx, slot.ID, e.Now())
		}
	}
	if e.cfg.MinSpacing > 0 {
		last, ok, err := st.LastPublishedAt(ctx, slot.ChannelID)
		if err != nil {
			logger.Warn("Проверка зазора между публикациями не удалась",
				zap.Int64("chat", slot.ChannelID), zap.Error(err))
		} else if ok && e.Now().Sub(last) < e.cfg.MinSpacing {
			// Рано: слот отпускается до следующего тика. Бронь отпечатка
			// остаётся за слотом, выбор уже сделан.
			logger.Debug("Зазор между публикациями не выдержан, слот отпущен",
				zap.Int64("chat", slot.ChannelID), zap.Time("last", last))
			return st.ReleaseSlot(ctx, slot.ID)
		}
	}

	if err := e.publisher.Publish(ctx, slot.ChannelID, post); err != nil {
		logger.Error("Публикация не удалась, слот и бронь отпущены",
			zap.Int64("slot", slot.ID),
			zap.Int64("chat", slot.ChannelID),
			zap.Error(err),
		)
		if rbErr := st.ReleaseSlot(ctx, slot.ID); rbErr != nil {
			return rbErr
		}
		return st.ReleaseDedup(ctx, slot.ChannelID, fpr)
	}

	done := e.Now()
	delay := done.Sub(scheduledAt)
	if delay < 0 {
		delay = 0
	}
	logger.Info("Случайный пост опубликован",
		zap.Int64("slot", slot.ID),
		zap.Int64("chat", slot.ChannelID),
		zap.String("kind", string(post.Kind)),
		zap.Duration("delay", delay),
	)

	if err := st.CommitSlot(ctx, slot.ID, done); err != nil {
		return err
	}
	if err := st.TouchRandomStream(ctx, slot.StreamID, done); err != nil {
		return err
	}
	upcoming, err := st.RefreshUpcomingTimes(ctx, slot.StreamID, done)
	if err != nil {
		return err
	}
	logger.Debug("Расписание потока обновлено",
		zap.Int64("stream", slot.StreamID), zap.Int("upcoming", len(upcoming)))
	return nil
}

// pickFreshPost до fetchAttempts раз выбирает случайного донора, берёт у него
// случайный свежий пост и пытается забронировать его отпечаток за каналом.
// Найденный дубликат и пустой донор съедают по попытке. found == false
// означает, что попытки исчерпаны.
func (e *Engine) pickFreshPost(
	ctx context.Context,
	st *store.Store,
	reader content.Reader,
	slot store.RandomSlot,
	donors []store.ChannelRef,
	now time.Time,
) (*content.Post, string, bool, error) {
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", false, err
		}

		donor := content.ParseDonor(donors[e.Rand(len(donors))].String())
		post, err := e.fetcher.Random(ctx, reader, donor, slot.Freshness, now)
		if err != nil {
			if errors.Is(err, content.ErrNoCandidate) {
				logger.Debug("У донора нет подходящих свежих постов",
					zap.String("donor", donor.String()), zap.Int64("slot", slot.ID))
			} else {
				logger.Warn("Выборка у донора не удалась",
					zap.String("donor", donor.String()),
					zap.Int64("slot", slot.ID),
					zap.Error(err),
				)
			}
			continue
		}

		fpr := fingerprint.Of(string(post.Kind), post.Caption, post.Text, post.Media)
		fresh, err := st.ReserveDedup(ctx, slot.ChannelID, fpr, now)
		if err != nil {
			// Дедупликация — защита, а не ворота: при её сбое публикуем.
			logger.Warn("Бронь отпечатка не удалась, публикуем без неё",
				zap.Int64("chat", slot.ChannelID), zap.Error(err))
			return post, fpr, true, nil
		}
		if !fresh {
			logger.Debug("Контент уже публиковался в канал, пробуем ещё раз",
				zap.Int64("slot", slot.ID), zap.String("fingerprint", fpr))
			continue
		}
		return post, fpr, true, nil
	}
	return nil, "", false, nil
}
