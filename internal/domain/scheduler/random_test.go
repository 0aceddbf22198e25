package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/fingerprint"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/sqlite"
	"telegram-scheduler/internal/infra/timeutil"

	"github.com/go-faster/errors"
)

const randomChat = int64(-100200)

// seedRandomSlot создаёт случайный поток с одним донором и одной целью
// и сажает один наступивший слот. Возвращает слот из выборки движка.
func seedRandomSlot(t *testing.T, f *engineFixture) store.RandomSlot {
	t.Helper()
	ctx := context.Background()

	streamID, err := f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      []store.ChannelRef{store.HandleRef("@donor")},
		Targets:     []int64{randomChat},
		PostsPerDay: 3,
		Freshness:   7,
		IsPublic:    true,
	})
	require.NoError(t, err)

	seed := store.RandomSlotSeed{
		StreamID:    streamID,
		ChannelID:   randomChat,
		DonorsJSON:  `["@donor"]`,
		TargetsJSON: `[-100200]`,
		Freshness:   7,
		IsPublic:    true,
	}
	require.NoError(t, f.st.InsertRandomSlots(ctx, seed, []time.Time{f.now.Add(-time.Minute)}))

	due, err := f.st.DueRandomSlots(ctx, f.now, 50)
	require.NoError(t, err)
	require.Len(t, due, 1, "посаженный слот должен быть наступившим")
	return due[0]
}

func rawDB(t *testing.T, f *engineFixture) *sqlx.DB {
	t.Helper()
	db, err := sqlite.Open(f.st.Path())
	require.NoError(t, err, "прямое соединение не открылось")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textFingerprint(text string) string {
	return fingerprint.Of(string(content.KindText), "", content.CleanText(text), nil)
}

func TestRandomSlotPublishesAndCommits(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-2*time.Hour), "Свежий пост")}
	slot := seedRandomSlot(t, f)

	require.NoError(t, f.engine.randomPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, randomChat, sent[0].ChatID)
	assert.Equal(t, "Свежий пост", sent[0].Post.Text)

	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state)

	// Отпечаток закреплён за каналом, повтор не пройдёт.
	fresh, err := f.st.ReserveDedup(ctx, randomChat, textFingerprint("Свежий пост"), f.now)
	require.NoError(t, err)
	assert.False(t, fresh, "после публикации отпечаток должен быть занят")

	// Поток отмечен опубликовавшимся.
	var lastPost string
	db := rawDB(t, f)
	require.NoError(t, db.Get(&lastPost,
		`SELECT COALESCE(last_post_time, '') FROM random_posts WHERE id = ?`, slot.StreamID))
	assert.Equal(t, timeutil.FormatSlotTime(f.now), lastPost)
}

func TestRandomSlotRetriesPastDuplicate(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{
		textMessage(11, f.now.Add(-time.Hour), "Первый"),
		textMessage(10, f.now.Add(-2*time.Hour), "Второй"),
	}
	// «Первый» уже публиковался в канал.
	_, err := f.st.ReserveDedup(ctx, randomChat, textFingerprint("Первый"), f.now.Add(-48*time.Hour))
	require.NoError(t, err)

	picks := []int{0, 1}
	f.engine.fetcher.Pick = func(n int) int {
		v := picks[0] % n
		if len(picks) > 1 {
			picks = picks[1:]
		}
		return v
	}

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1, "дубликат должен быть заменён другим кандидатом")
	assert.Equal(t, "Второй", sent[0].Post.Text)
	assert.Equal(t, 2, f.reader.calls(), "на дубликат уходит ровно одна лишняя попытка")

	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state)
}

func TestRandomSlotAbsorbedWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Единственный")}
	_, err := f.st.ReserveDedup(ctx, randomChat, textFingerprint("Единственный"), f.now.Add(-48*time.Hour))
	require.NoError(t, err)

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	assert.Equal(t, fetchAttempts, f.reader.calls(), "попытки должны быть исчерпаны")

	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state, "безнадёжный слот поглощается, а не виснет в очереди")
}

func TestRandomSlotDailyCapAbsorbs(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.engine.cfg.MaxPostsPerDay = 2
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Сверх лимита")}

	// Канал уже получил дневную норму.
	_, err := f.st.ReserveDedup(ctx, randomChat, "занято-1", f.now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = f.st.ReserveDedup(ctx, randomChat, "занято-2", f.now.Add(-time.Hour))
	require.NoError(t, err)

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state, "слот сверх лимита поглощается")

	// Выбранный контент остаётся закреплённым за каналом.
	fresh, err := f.st.ReserveDedup(ctx, randomChat, textFingerprint("Сверх лимита"), f.now)
	require.NoError(t, err)
	assert.False(t, fresh, "бронь отпечатка при поглощении не снимается")
}

func TestRandomSlotCapSparesSiblingChannel(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.engine.cfg.MaxPostsPerDay = 1
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Общий контент")}

	const siblingChat = int64(-100300)
	streamID, err := f.st.CreateRandomStream(ctx, store.RandomStreamSeed{
		Donors:      []store.ChannelRef{store.HandleRef("@donor")},
		Targets:     []int64{randomChat, siblingChat},
		PostsPerDay: 3,
		Freshness:   7,
		IsPublic:    true,
	})
	require.NoError(t, err)

	for _, chat := range []int64{randomChat, siblingChat} {
		seed := store.RandomSlotSeed{
			StreamID:    streamID,
			ChannelID:   chat,
			DonorsJSON:  `["@donor"]`,
			TargetsJSON: `[-100200,-100300]`,
			Freshness:   7,
			IsPublic:    true,
		}
		require.NoError(t, f.st.InsertRandomSlots(ctx, seed, []time.Time{f.now.Add(-time.Minute)}))
	}

	// Первый канал норму на сегодня уже выбрал.
	_, err = f.st.ReserveDedup(ctx, randomChat, "утренний-пост", f.now.Add(-2*time.Hour))
	require.NoError(t, err)

	due, err := f.st.DueRandomSlots(ctx, f.now, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)

	require.NoError(t, f.engine.randomPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1, "публикуется только канал в пределах нормы")
	assert.Equal(t, siblingChat, sent[0].ChatID)
	assert.Equal(t, "Общий контент", sent[0].Post.Text)

	for _, slot := range due {
		state, stateErr := f.st.SlotState(ctx, slot.ID)
		require.NoError(t, stateErr)
		assert.Equal(t, store.SlotDone, state, "оба слота закрыты: один публикацией, другой поглощением")
	}
}

func TestRandomSlotSpacingReleases(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.engine.cfg.MinSpacing = 30 * time.Minute
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Слишком рано")}
	_, err := f.st.ReserveDedup(ctx, randomChat, "недавняя публикация", f.now.Add(-10*time.Minute))
	require.NoError(t, err)

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state, "слот должен дождаться зазора, а не пропасть")
}

func TestRandomSlotPublishFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Не дойдёт")}
	f.pub.failFor[randomChat] = errors.New("bot was blocked")

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state, "после неудачи слот возвращается в очередь")

	fresh, err := f.st.ReserveDedup(ctx, randomChat, textFingerprint("Не дойдёт"), f.now)
	require.NoError(t, err)
	assert.True(t, fresh, "бронь отпечатка должна быть снята вместе со слотом")
}

func TestRandomSlotRetriesAfterPublisherRecovers(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(11, f.now.Add(-time.Hour), "Со второй попытки")}
	f.pub.failFor[randomChat] = errors.New("bot was blocked")

	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))
	require.Empty(t, f.pub.sent())

	delete(f.pub.failFor, randomChat)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, randomChat, sent[0].ChatID)
	assert.Equal(t, "Со второй попытки", sent[0].Post.Text)

	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state, "после восстановления слот закрывается штатно")
}

func TestRandomSlotWithoutDonorsReleased(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	slot := seedRandomSlot(t, f)
	db := rawDB(t, f)
	_, err := db.Exec(`UPDATE posts SET donor_channels_json = '[]' WHERE id = ?`, slot.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	assert.Empty(t, f.pool.creds, "без доноров сессия не нужна")
	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state)
}

func TestRandomSlotWithoutSessionReleased(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	// Основная сессия не привязана.
	slot := seedRandomSlot(t, f)
	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state)
}

func TestRandomSlotUnparseableTimeSkipped(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	f.linkMainSession(t)
	f.reader.history = []content.Message{textMessage(10, f.now.Add(-time.Hour), "Мимо")}
	slot := seedRandomSlot(t, f)

	// Лексически наступившее, но не разбираемое ни одним форматом время.
	db := rawDB(t, f)
	_, err := db.Exec(`UPDATE posts SET scheduled_time = '2020-99-99 99:99:99' WHERE id = ?`, slot.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.randomPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	state, err := f.st.SlotState(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state, "слот с нечитаемым временем не захватывается")
}
