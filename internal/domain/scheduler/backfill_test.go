package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/timeutil"
)

// scriptedIntn выдаёт значения очереди по порядку (по модулю диапазона)
// и падает, если план потребовал больше случайности, чем заготовлено.
func scriptedIntn(t *testing.T, queue []int) func(int) int {
	t.Helper()
	i := 0
	return func(n int) int {
		require.Less(t, i, len(queue), "план запросил больше случайных значений, чем заготовлено")
		v := queue[i] % n
		i++
		return v
	}
}

func localTime(hour, minute, sec int) time.Time {
	return time.Date(2024, 5, 14, hour, minute, sec, 0, time.Local)
}

func TestSampleDistinct(t *testing.T) {
	t.Parallel()

	// Нулевая случайность вырождается в первые count значений.
	got := sampleDistinct(10, 4, func(int) int { return 0 })
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	// Значения различны, отсортированы и лежат в диапазоне.
	seq := 0
	got = sampleDistinct(20, 8, func(n int) int { seq += 3; return seq % n })
	require.Len(t, got, 8)
	for i, v := range got {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 20)
		if i > 0 {
			assert.Greater(t, v, got[i-1], "выборка должна быть строго возрастающей")
		}
	}
}

func TestSpreadMinutes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, spreadMinutes(100, 0, func(int) int { return 0 }))
	assert.Nil(t, spreadMinutes(100, -1, func(int) int { return 0 }))

	// Плотный план: слотов больше, чем минут, — равномерная сетка.
	got := spreadMinutes(10, 25, func(int) int { t.Fatal("сетке случайность не нужна"); return 0 })
	require.Len(t, got, 25)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 9, got[24])
	for i, v := range got {
		assert.Less(t, v, 10)
		if i > 0 {
			assert.GreaterOrEqual(t, v, got[i-1], "сетка должна быть неубывающей")
		}
	}

	// Исчерпанный бюджет поднимается до одной минуты.
	got = spreadMinutes(0, 1, func(int) int { return 0 })
	assert.Equal(t, []int{0}, got)
}

func TestPlanTodayPlacesSlotsInWindow(t *testing.T) {
	t.Parallel()
	now := localTime(10, 0, 0)

	// Потребление: два значения на выбор минут, по одному на секундный джиттер.
	intn := scriptedIntn(t, []int{30, 100, 15, 25})
	got := planToday(now, 2, 0, map[string]struct{}{}, intn)

	require.Len(t, got, 2)
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 30, 15)), timeutil.FormatSlotTime(got[0]))
	assert.Equal(t, timeutil.FormatSlotTime(localTime(11, 41, 25)), timeutil.FormatSlotTime(got[1]))
}

func TestPlanTodayAppliesTargetOffset(t *testing.T) {
	t.Parallel()
	now := localTime(10, 0, 0)

	intn := scriptedIntn(t, []int{30, 100, 15, 25})
	got := planToday(now, 2, 2*time.Minute, map[string]struct{}{}, intn)

	require.Len(t, got, 2)
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 32, 15)), timeutil.FormatSlotTime(got[0]))
	assert.Equal(t, timeutil.FormatSlotTime(localTime(11, 43, 25)), timeutil.FormatSlotTime(got[1]))
}

func TestPlanTodayClampsToNearFuture(t *testing.T) {
	t.Parallel()
	now := localTime(10, 0, 0)

	intn := scriptedIntn(t, []int{0, 0})
	got := planToday(now, 1, 0, map[string]struct{}{}, intn)

	require.Len(t, got, 1)
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 2, 0)), timeutil.FormatSlotTime(got[0]),
		"слот не ставится раньше, чем через две минуты")
}

func TestPlanTodayLastMinuteRollsToTomorrow(t *testing.T) {
	t.Parallel()
	now := localTime(23, 30, 0)

	// Минута 28 с джиттером 59 и сдвигом цели в 1 минуту попадает в 23:59:59.
	intn := scriptedIntn(t, []int{28, 59, 5})
	got := planToday(now, 1, time.Minute, map[string]struct{}{}, intn)

	require.Len(t, got, 1)
	want := timeutil.StartOfNextDay(now).Add(5*time.Minute + time.Minute)
	assert.Equal(t, timeutil.FormatSlotTime(want), timeutil.FormatSlotTime(got[0]),
		"последняя минута суток переезжает на начало завтра")
}

func TestPlanTodayNearMidnightChainsClamps(t *testing.T) {
	t.Parallel()
	now := localTime(23, 58, 0)

	// Бюджет вырождается в одну минуту; «через две минуты» — уже завтра,
	// потолок дня возвращает слот в 23:59, и он переезжает на завтра.
	intn := scriptedIntn(t, []int{0, 30, 7})
	got := planToday(now, 1, 0, map[string]struct{}{}, intn)

	require.Len(t, got, 1)
	want := timeutil.StartOfNextDay(now).Add(7 * time.Minute)
	assert.Equal(t, timeutil.FormatSlotTime(want), timeutil.FormatSlotTime(got[0]))
}

func TestPlanTodaySkipsExistingKeys(t *testing.T) {
	t.Parallel()
	now := localTime(10, 0, 0)

	existing := map[string]struct{}{
		timeutil.FormatSlotTime(localTime(10, 30, 15)): {},
	}
	intn := scriptedIntn(t, []int{30, 100, 15, 25})
	got := planToday(now, 2, 0, existing, intn)

	require.Len(t, got, 1, "занятое время не дублируется")
	assert.Equal(t, timeutil.FormatSlotTime(localTime(11, 41, 25)), timeutil.FormatSlotTime(got[0]))
}

func TestPlanTomorrowCoversFullDay(t *testing.T) {
	t.Parallel()
	tomorrowStart := timeutil.StartOfNextDay(localTime(10, 0, 0))

	intn := scriptedIntn(t, []int{600, 100, 10, 20})
	got := planTomorrow(tomorrowStart, 2, 0, map[string]struct{}{}, intn)

	require.Len(t, got, 2)
	assert.Equal(t,
		timeutil.FormatSlotTime(tomorrowStart.Add(101*time.Minute+10*time.Second)),
		timeutil.FormatSlotTime(got[0]))
	assert.Equal(t,
		timeutil.FormatSlotTime(tomorrowStart.Add(600*time.Minute+20*time.Second)),
		timeutil.FormatSlotTime(got[1]))

	// Завтрашний план не знает про «не раньше, чем через две минуты».
	early := planTomorrow(tomorrowStart, 1, 0, map[string]struct{}{}, scriptedIntn(t, []int{0, 0}))
	require.Len(t, early, 1)
	assert.Equal(t, timeutil.FormatSlotTime(tomorrowStart), timeutil.FormatSlotTime(early[0]))
}

func TestBackfillStreamPlantsQuota(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.now = localTime(10, 0, 0)
	// Цикл из четырёх значений: выбор минут 10 и 21, нулевой джиттер.
	f.randQueue = []int{10, 20, 0, 0}

	streamID, err := f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      []store.ChannelRef{store.HandleRef("@donor")},
		Targets:     []int64{111, 222},
		PostsPerDay: 2,
		Freshness:   7,
		IsPublic:    true,
	})
	require.NoError(t, err)

	streams, err := f.st.ActiveRandomStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.NoError(t, f.engine.backfillStream(ctx, f.st, streams[0]))

	dayStart := timeutil.StartOfDay(f.now)
	dayEnd := timeutil.EndOfDay(f.now)
	tomorrowStart := timeutil.StartOfNextDay(f.now)
	tomorrowEnd := timeutil.EndOfDay(tomorrowStart)

	today111, err := f.st.PendingSlotTimes(ctx, streamID, 111, dayStart, dayEnd)
	require.NoError(t, err)
	require.Len(t, today111, 2, "сегодняшняя норма первой цели")
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 10, 0)), timeutil.FormatSlotTime(today111[0]))
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 21, 0)), timeutil.FormatSlotTime(today111[1]))

	today222, err := f.st.PendingSlotTimes(ctx, streamID, 222, dayStart, dayEnd)
	require.NoError(t, err)
	require.Len(t, today222, 2, "сегодняшняя норма второй цели")
	assert.Equal(t, timeutil.FormatSlotTime(localTime(10, 11, 0)), timeutil.FormatSlotTime(today222[0]),
		"вторая цель сдвинута на минуту")

	tomorrow111, err := f.st.PendingSlotTimes(ctx, streamID, 111, tomorrowStart, tomorrowEnd)
	require.NoError(t, err)
	assert.Len(t, tomorrow111, 2, "завтрашняя норма первой цели")

	// Витрина будущих публикаций пересобрана по всем целям.
	upcoming, err := f.st.RefreshUpcomingTimes(ctx, streamID, f.now)
	require.NoError(t, err)
	assert.Len(t, upcoming, 8)

	// Повторный досев прибавки не даёт: норма уже выполнена.
	require.NoError(t, f.engine.backfillStream(ctx, f.st, streams[0]))
	again, err := f.st.PendingSlotTimes(ctx, streamID, 111, dayStart, dayEnd)
	require.NoError(t, err)
	assert.Len(t, again, 2, "досев обязан быть идемпотентным")
}

func TestBackfillSkipsStreamsWithoutDonorsOrTargets(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      nil,
		Targets:     []int64{111},
		PostsPerDay: 2,
		Freshness:   7,
	})
	require.NoError(t, err)
	_, err = f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      []store.ChannelRef{store.HandleRef("@donor")},
		Targets:     nil,
		PostsPerDay: 2,
		Freshness:   7,
	})
	require.NoError(t, err)

	f.engine.backfillStore(ctx, f.st, "tester")

	due, err := f.st.DueRandomSlots(ctx, f.now.AddDate(0, 0, 2), 100)
	require.NoError(t, err)
	assert.Empty(t, due, "неполные потоки не должны порождать слоты")
}

func TestBackfillAllStampsAndPlants(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.now = localTime(10, 0, 0)
	f.randQueue = []int{10, 20, 0, 0}

	streamID, err := f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      []store.ChannelRef{store.HandleRef("@donor")},
		Targets:     []int64{111},
		PostsPerDay: 1,
		Freshness:   7,
		IsPublic:    true,
	})
	require.NoError(t, err)

	f.engine.backfillAll(ctx)

	assert.True(t, f.engine.lastBackfill.Equal(f.now), "досев должен отметить время запуска")
	today, err := f.st.PendingSlotTimes(ctx, streamID, 111,
		timeutil.StartOfDay(f.now), timeutil.EndOfDay(f.now))
	require.NoError(t, err)
	assert.Len(t, today, 1)
}
