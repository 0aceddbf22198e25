package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/store"

	"github.com/go-faster/errors"
)

func plantOneShot(t *testing.T, f *engineFixture, contentType, body, mediaID string) int64 {
	t.Helper()
	id, err := f.st.InsertOneShotSlot(context.Background(), store.OneShotSeed{
		ChannelID:   -100200,
		ContentType: contentType,
		Content:     body,
		MediaID:     mediaID,
		ScheduledAt: f.now.Add(-time.Minute),
	})
	require.NoError(t, err)
	return id
}

func TestOneShotPassPublishesText(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	id := plantOneShot(t, f, "text", "Анонс на вечер @spam_mention", "")
	require.NoError(t, f.engine.oneShotPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(-100200), sent[0].ChatID)
	assert.Equal(t, content.KindText, sent[0].Post.Kind)
	assert.Equal(t, "Анонс на вечер ", sent[0].Post.Text, "упоминание должно быть вычищено")

	state, err := f.st.SlotState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state)
}

func TestOneShotPassPublishesPhotoByFileID(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	plantOneShot(t, f, "photo", "подпись", "file-abc")
	require.NoError(t, f.engine.oneShotPass(ctx, f.st))

	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, content.KindPhoto, sent[0].Post.Kind)
	assert.Equal(t, "file-abc", sent[0].Post.FileID)
	assert.Equal(t, "подпись", sent[0].Post.Caption)
	assert.Empty(t, sent[0].Post.Media, "байтов у разового слота нет, только идентификатор файла")
}

func TestOneShotPassFailureLeavesSlotPending(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	id := plantOneShot(t, f, "text", "не уйдёт", "")
	f.pub.failFor[-100200] = errors.New("bot was kicked")

	require.NoError(t, f.engine.oneShotPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	state, err := f.st.SlotState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SlotPending, state, "после неудачи слот должен ждать следующего тика")

	// Следующий проход после восстановления доставляет пост.
	delete(f.pub.failFor, -100200)
	require.NoError(t, f.engine.oneShotPass(ctx, f.st))
	assert.Len(t, f.pub.sent(), 1)
	state, err = f.st.SlotState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state)
}

func TestOneShotPassForwardsRepost(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	id := plantOneShot(t, f, "repost", "_-1001234567890_777", "")
	require.NoError(t, f.engine.oneShotPass(ctx, f.st))

	fwd := f.pub.forwarded()
	require.Len(t, fwd, 1)
	assert.Equal(t, int64(-100200), fwd[0].ChatID)
	assert.Equal(t, int64(-1001234567890), fwd[0].FromChatID)
	assert.Equal(t, 777, fwd[0].MessageID)

	state, err := f.st.SlotState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SlotDone, state)
}

func TestOneShotPassAbsorbsGarbage(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	badRepost := plantOneShot(t, f, "repost", "мусор без разделителей", "")
	unknown := plantOneShot(t, f, "голограмма", "что это", "")

	require.NoError(t, f.engine.oneShotPass(ctx, f.st))

	assert.Empty(t, f.pub.sent())
	assert.Empty(t, f.pub.forwarded())
	for _, id := range []int64{badRepost, unknown} {
		state, err := f.st.SlotState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.SlotDone, state, "неотправляемый слот должен быть поглощён")
	}
}

func TestParseRepostContent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		in       string
		fromChat int64
		msgID    int
		ok       bool
	}{
		{name: "канал со знаком", in: "_-1001234567890_42", fromChat: -1001234567890, msgID: 42, ok: true},
		{name: "положительный чат", in: "_777_1", fromChat: 777, msgID: 1, ok: true},
		{name: "хвост после номера", in: "_-100123_42_ещё", fromChat: -100123, msgID: 42, ok: true},
		{name: "без подчёркиваний", in: "просто текст", ok: false},
		{name: "мало частей", in: "_-100123", ok: false},
		{name: "нечисловой канал", in: "_abc_42", ok: false},
		{name: "пустой номер", in: "_-100123_", ok: false},
		{name: "отрицательный номер", in: "_-100123_-5", ok: false},
		{name: "номер с плюсом", in: "_-100123_+5", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fromChat, msgID, ok := parseRepostContent(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.fromChat, fromChat)
				assert.Equal(t, tc.msgID, msgID)
			}
		})
	}
}
