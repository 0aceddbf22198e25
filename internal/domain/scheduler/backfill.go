package scheduler

import (
	"context"
	"sort"
	"time"

	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/timeutil"

	"go.uber.org/zap"
)

// backfillAll досаживает слоты случайных потоков всем арендаторам на сегодня
// и на завтра. Лицензия здесь не проверяется: расписание строится всегда,
// публикацию наступивших слотов останавливает сам тик.
func (e *Engine) backfillAll(ctx context.Context) {
	e.lastBackfill = e.Now()

	tenants, err := e.registry.Tenants()
	if err != nil {
		logger.Error("Список арендаторов недоступен", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		st, err := e.registry.Store(ctx, tenant)
		if err != nil {
			logger.Warn("База арендатора недоступна",
				zap.String("tenant", tenant.Username), zap.Error(err))
			continue
		}
		e.backfillStore(ctx, st, tenant.Username)
	}
}

// backfillStore досаживает недостающие слоты одного арендатора. Каждая цель
// потока получает собственное расписание, сдвинутое на минуту от соседней,
// чтобы публикации в разные каналы не шли залпом.
func (e *Engine) backfillStore(ctx context.Context, st *store.Store, tenant string) {
	streams, err := st.ActiveRandomStreams(ctx)
	if err != nil {
		logger.Warn("Случайные потоки арендатора недоступны",
			zap.String("tenant", tenant), zap.Error(err))
		return
	}

	for _, stream := range streams {
		if ctx.Err() != nil {
			return
		}
		if len(stream.Donors()) == 0 || len(stream.Targets()) == 0 {
			logger.Debug("Поток без доноров или целей пропущен",
				zap.Int64("stream", stream.ID), zap.String("tenant", tenant))
			continue
		}
		if err := e.backfillStream(ctx, st, stream); err != nil {
			logger.Warn("Досадка потока не удалась",
				zap.Int64("stream", stream.ID),
				zap.String("tenant", tenant),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) backfillStream(ctx context.Context, st *store.Store, stream store.RandomStream) error {
	now := e.Now()
	dayStart := timeutil.StartOfDay(now)
	dayEnd := timeutil.EndOfDay(now)
	tomorrowStart := timeutil.StartOfNextDay(now)
	tomorrowEnd := timeutil.EndOfDay(tomorrowStart)

	seed := store.RandomSlotSeed{
		StreamID:    stream.ID,
		DonorsJSON:  stream.DonorsJSON,
		TargetsJSON: stream.TargetsJSON,
		Freshness:   stream.Freshness,
		PhoneNumber: stream.PhoneNumber,
		IsPublic:    stream.IsPublic,
	}
	planted := 0

	for i, target := range stream.Targets() {
		offset := time.Duration(i) * time.Minute
		seed.ChannelID = target

		existing, err := pendingKeys(ctx, st, stream.ID, target, dayStart, dayEnd)
		if err != nil {
			return err
		}
		if need := stream.PostsPerDay - len(existing); need > 0 {
			times := planToday(now, need, offset, existing, e.Rand)
			if err := st.InsertRandomSlots(ctx, seed, times); err != nil {
				return err
			}
			planted += len(times)
		}

		existingT, err := pendingKeys(ctx, st, stream.ID, target, tomorrowStart, tomorrowEnd)
		if err != nil {
			return err
		}
		if need := stream.PostsPerDay - len(existingT); need > 0 {
			times := planTomorrow(tomorrowStart, need, offset, existingT, e.Rand)
			if err := st.InsertRandomSlots(ctx, seed, times); err != nil {
				return err
			}
			planted += len(times)
		}
	}

	upcoming, err := st.RefreshUpcomingTimes(ctx, stream.ID, now)
	if err != nil {
		return err
	}
	if planted > 0 {
		logger.Info("Поток досажен слотами",
			zap.Int64("stream", stream.ID),
			zap.Int("planted", planted),
			zap.Int("upcoming", len(upcoming)),
		)
	}
	return nil
}

func pendingKeys(ctx context.Context, st *store.Store, streamID, channelID int64, from, to time.Time) (map[string]struct{}, error) {
	times, err := st.PendingSlotTimes(ctx, streamID, channelID, from, to)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(times))
	for _, t := range times {
		keys[timeutil.FormatSlotTime(t)] = struct{}{}
	}
	return keys, nil
}

// planToday распределяет need публикаций по остатку сегодняшнего дня.
// Хвост, выпавший на последнюю минуту суток, переезжает на начало завтра:
// у самой полуночи слоты вырождаются в залп.
func planToday(now time.Time, need int, offset time.Duration, existing map[string]struct{}, intn func(int) int) []time.Time {
	dayEnd := timeutil.EndOfDay(now)
	budget := int(dayEnd.Sub(now).Minutes())
	if budget < 1 {
		budget = 1
	}
	tomorrow := timeutil.StartOfNextDay(now)
	minFuture := now.Add(2 * time.Minute)

	out := make([]time.Time, 0, need)
	for _, m := range spreadMinutes(budget, need, intn) {
		at := now.Add(time.Duration(m)*time.Minute + time.Duration(intn(60))*time.Second + offset)
		if at.Before(minFuture) {
			at = minFuture
		}
		if at.After(dayEnd) {
			at = dayEnd
		}
		if timeutil.IsLastMinuteOfDay(at) {
			at = tomorrow.Add(time.Duration(intn(11))*time.Minute + offset)
		}
		key := timeutil.FormatSlotTime(at)
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}
		out = append(out, at)
	}
	return out
}

// planTomorrow распределяет need публикаций по полным суткам завтрашнего дня.
func planTomorrow(tomorrowStart time.Time, need int, offset time.Duration, existing map[string]struct{}, intn func(int) int) []time.Time {
	out := make([]time.Time, 0, need)
	for _, m := range spreadMinutes(minutesPerDay, need, intn) {
		at := tomorrowStart.Add(time.Duration(m)*time.Minute + time.Duration(intn(60))*time.Second + offset)
		key := timeutil.FormatSlotTime(at)
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}
		out = append(out, at)
	}
	return out
}

const minutesPerDay = 24 * 60

// spreadMinutes выбирает need минутных отметок в пределах budget. Пока
// отметок хватает, они случайны и различны; при need > budget поток плотнее
// минуты в слот и отметки раскладываются равномерной сеткой.
func spreadMinutes(budget, need int, intn func(int) int) []int {
	if need <= 0 {
		return nil
	}
	if budget < 1 {
		budget = 1
	}
	if need <= budget {
		return sampleDistinct(budget, need, intn)
	}
	step := float64(budget) / float64(need)
	out := make([]int, need)
	for i := range out {
		out[i] = int(float64(i) * step)
	}
	return out
}

// sampleDistinct возвращает count различных чисел из [0, n) по возрастанию.
func sampleDistinct(n, count int, intn func(int) int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < count; i++ {
		j := i + intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := append([]int(nil), pool[:count]...)
	sort.Ints(out)
	return out
}

