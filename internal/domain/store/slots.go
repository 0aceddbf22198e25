package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"telegram-scheduler/internal/infra/timeutil"
)

// OneShotSlot — разовый запланированный пост.
type OneShotSlot struct {
	ID            int64  `db:"id"`
	ChannelID     int64  `db:"channel_id"`
	ContentType   string `db:"content_type"`
	Content       string `db:"content"`
	MediaID       string `db:"media_id"`
	ScheduledTime string `db:"scheduled_time"`
}

// RandomSlot — слот случайного потока, готовый к публикации.
// ScheduledTime хранится сырой строкой: защитную проверку разбора выполняет
// движок, а не выборка.
type RandomSlot struct {
	ID            int64  `db:"id"`
	ChannelID     int64  `db:"channel_id"`
	DonorsJSON    string `db:"donor_channels_json"`
	Freshness     int    `db:"post_freshness"`
	PhoneNumber   string `db:"phone_number"`
	IsPublic      bool   `db:"is_public_channel"`
	StreamID      int64  `db:"random_post_id"`
	ScheduledTime string `db:"scheduled_time"`
}

// Donors возвращает снимок доноров слота. Повреждённый JSON даёт пустой список.
func (s RandomSlot) Donors() []ChannelRef { return ParseChannelRefs(s.DonorsJSON) }

// DueOneShotSlots возвращает до limit разовых постов, чьё время наступило.
func (s *Store) DueOneShotSlots(ctx context.Context, now time.Time, limit int) ([]OneShotSlot, error) {
	var slots []OneShotSlot
	err := s.db.SelectContext(ctx, &slots, `
		SELECT id,
		       COALESCE(channel_id, 0)     AS channel_id,
		       COALESCE(content_type, '')  AS content_type,
		       COALESCE(content, '')       AS content,
		       COALESCE(media_id, '')      AS media_id,
		       COALESCE(scheduled_time, '') AS scheduled_time
		FROM posts
		WHERE is_published = ? AND content_type != 'random' AND scheduled_time <= ?
		LIMIT ?`,
		SlotPending, timeutil.FormatSlotTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due one-shot slots")
	}
	return slots, nil
}

// DueRandomSlots возвращает до limit случайных слотов, чьё время наступило,
// в порядке возрастания запланированного времени.
func (s *Store) DueRandomSlots(ctx context.Context, now time.Time, limit int) ([]RandomSlot, error) {
	var slots []RandomSlot
	err := s.db.SelectContext(ctx, &slots, `
		SELECT id,
		       COALESCE(channel_id, 0)                  AS channel_id,
		       COALESCE(donor_channels_json, '')        AS donor_channels_json,
		       COALESCE(post_freshness, 1)              AS post_freshness,
		       COALESCE(phone_number, '')               AS phone_number,
		       COALESCE(is_public_channel, 0) != 0      AS is_public_channel,
		       COALESCE(random_post_id, 0)              AS random_post_id,
		       COALESCE(scheduled_time, '')             AS scheduled_time
		FROM posts
		WHERE is_published = ? AND content_type = 'random' AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
		LIMIT ?`,
		SlotPending, timeutil.FormatSlotTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due random slots")
	}
	return slots, nil
}

// ReserveSlot атомарно переводит слот из «ожидает» в «зарезервирован».
// Возвращает false, если слот уже взят другим воркером либо опубликован.
func (s *Store) ReserveSlot(ctx context.Context, slotID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET is_published = ? WHERE id = ? AND is_published = ?`,
		SlotReserved, slotID, SlotPending)
	if err != nil {
		return false, errors.Wrap(err, "reserve slot")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reserve slot: rows affected")
	}
	return n == 1, nil
}

// ReleaseSlot возвращает зарезервированный слот в «ожидает».
// Слоты в других состояниях не трогает.
func (s *Store) ReleaseSlot(ctx context.Context, slotID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET is_published = ? WHERE id = ? AND is_published = ?`,
		SlotPending, slotID, SlotReserved)
	if err != nil {
		return errors.Wrap(err, "release slot")
	}
	return nil
}

// CommitSlot помечает слот опубликованным и фиксирует время попытки.
func (s *Store) CommitSlot(ctx context.Context, slotID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET is_published = ?, last_post_time = ? WHERE id = ?`,
		SlotDone, timeutil.FormatSlotTime(now), slotID)
	if err != nil {
		return errors.Wrap(err, "commit slot")
	}
	return nil
}

// SlotState возвращает текущее состояние слота.
func (s *Store) SlotState(ctx context.Context, slotID int64) (int, error) {
	var state int
	err := s.db.GetContext(ctx, &state,
		`SELECT is_published FROM posts WHERE id = ?`, slotID)
	if err != nil {
		return 0, errors.Wrap(err, "slot state")
	}
	return state, nil
}

// ReserveDedup резервирует отпечаток за каналом. Возвращает true, если
// вставка произошла, false — если пара (канал, отпечаток) уже занята.
func (s *Store) ReserveDedup(ctx context.Context, channelID int64, fingerprint string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published_dedup (channel_id, fingerprint, published_at) VALUES (?, ?, ?)`,
		channelID, fingerprint, timeutil.FormatSlotTime(now))
	if err != nil {
		return false, errors.Wrap(err, "reserve dedup")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reserve dedup: rows affected")
	}
	return n > 0, nil
}

// ReleaseDedup снимает резервирование отпечатка. Откат обязателен после
// неудачной публикации: иначе другой кандидат с тем же содержимым никогда
// не будет опубликован.
func (s *Store) ReleaseDedup(ctx context.Context, channelID int64, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM published_dedup WHERE channel_id = ? AND fingerprint = ?`,
		channelID, fingerprint)
	if err != nil {
		return errors.Wrap(err, "release dedup")
	}
	return nil
}

// PublishedInWindow считает публикации в канал за интервал [from, to].
func (s *Store) PublishedInWindow(ctx context.Context, channelID int64, from, to time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM published_dedup WHERE channel_id = ? AND published_at >= ? AND published_at <= ?`,
		channelID, timeutil.FormatSlotTime(from), timeutil.FormatSlotTime(to))
	if err != nil {
		return 0, errors.Wrap(err, "count published in window")
	}
	return count, nil
}

// LastPublishedAt возвращает время последней публикации в канал.
// Если публикаций не было или время не разбирается, ok == false.
func (s *Store) LastPublishedAt(ctx context.Context, channelID int64) (time.Time, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT COALESCE(MAX(published_at), '') FROM published_dedup WHERE channel_id = ?`,
		channelID)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "last published at")
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	at, err := timeutil.ParseSlotTime(raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// OneShotSeed — параметры нового разового поста.
type OneShotSeed struct {
	ChannelID   int64
	ContentType string
	Content     string
	MediaID     string
	ScheduledAt time.Time
}

// InsertOneShotSlot создаёт разовый пост и возвращает его идентификатор.
func (s *Store) InsertOneShotSlot(ctx context.Context, seed OneShotSeed) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (channel_id, content_type, content, media_id, scheduled_time, is_periodic, period_hours, is_published)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		seed.ChannelID, seed.ContentType, seed.Content, seed.MediaID,
		timeutil.FormatSlotTime(seed.ScheduledAt), SlotPending)
	if err != nil {
		return 0, errors.Wrap(err, "insert one-shot slot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert one-shot slot: last id")
	}
	return id, nil
}

// RandomSlotSeed — снимок параметров потока, попадающий в каждый новый
// случайный слот. Слот несёт копию доноров и целей: изменение потока не
// затрагивает уже расписанные слоты.
type RandomSlotSeed struct {
	StreamID    int64
	ChannelID   int64
	DonorsJSON  string
	TargetsJSON string
	Freshness   int
	PhoneNumber string
	IsPublic    bool
}

// InsertRandomSlots вставляет слоты одного потока для одной цели на указанные
// времена. Вставка выполняется одной транзакцией.
func (s *Store) InsertRandomSlots(ctx context.Context, seed RandomSlotSeed, times []time.Time) error {
	if len(times) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert random slots")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO posts (
			channel_id, content_type, content, scheduled_time, is_periodic,
			period_hours, is_published, random_post_id, donor_channels_json,
			target_channels_json, post_freshness, phone_number, is_public_channel
		) VALUES (?, 'random', ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?)`
	for _, at := range times {
		label := fmt.Sprintf("Рандомный пост (%s)", at.Format("02.01 15:04"))
		if _, err := tx.ExecContext(ctx, q,
			seed.ChannelID, label, timeutil.FormatSlotTime(at), SlotPending,
			seed.StreamID, seed.DonorsJSON, seed.TargetsJSON,
			seed.Freshness, seed.PhoneNumber, seed.IsPublic,
		); err != nil {
			return errors.Wrap(err, "insert random slot")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit insert random slots")
	}
	return nil
}

// PendingSlotTimes возвращает времена ожидающих слотов потока для цели
// в интервале [from, to]. Нечитаемые значения пропускаются.
func (s *Store) PendingSlotTimes(ctx context.Context, streamID, channelID int64, from, to time.Time) ([]time.Time, error) {
	var raws []string
	err := s.db.SelectContext(ctx, &raws, `
		SELECT COALESCE(scheduled_time, '') FROM posts
		WHERE random_post_id = ? AND channel_id = ? AND is_published = ?
		  AND scheduled_time >= ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC`,
		streamID, channelID, SlotPending,
		timeutil.FormatSlotTime(from), timeutil.FormatSlotTime(to))
	if err != nil {
		return nil, errors.Wrap(err, "select pending slot times")
	}
	times := make([]time.Time, 0, len(raws))
	for _, raw := range raws {
		at, err := timeutil.ParseSlotTime(raw)
		if err != nil {
			continue
		}
		times = append(times, at)
	}
	return times, nil
}

// CleanupStats — итог уборки просроченных слотов.
type CleanupStats struct {
	DeletedSlots   int64 // удалено неопубликованных слотов с прошедшим временем
	UpdatedStreams int   // потоков, из расписаний которых выброшены прошедшие времена
}

// CleanupPastPosts удаляет просроченные неопубликованные разовые слоты и
// выбрасывает прошедшие времена из расписаний активных случайных потоков.
// Слоты случайных потоков не удаляются: их добирает публикационный проход,
// а устаревшие чистит миграция.
func (s *Store) CleanupPastPosts(ctx context.Context, now time.Time) (CleanupStats, error) {
	var stats CleanupStats
	nowText := timeutil.FormatSlotTime(now)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM posts WHERE scheduled_time < ? AND is_published = ? AND content_type != 'random'`,
		nowText, SlotPending)
	if err != nil {
		return stats, errors.Wrap(err, "delete past posts")
	}
	stats.DeletedSlots, _ = res.RowsAffected()

	type streamTimes struct {
		ID    int64  `db:"id"`
		Times string `db:"next_post_times_json"`
	}
	var streams []streamTimes
	err = s.db.SelectContext(ctx, &streams,
		`SELECT id, COALESCE(next_post_times_json, '') AS next_post_times_json FROM random_posts WHERE is_active = 1`)
	if err != nil {
		return stats, errors.Wrap(err, "select stream schedules")
	}
	for _, stream := range streams {
		entries, total := timeEntries(stream.Times)
		future := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.At.After(now) {
				future = append(future, e.Raw)
			}
		}
		if len(future) == total {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE random_posts SET next_post_times_json = ? WHERE id = ?`,
			marshalRawTimes(future), stream.ID); err != nil {
			return stats, errors.Wrap(err, "prune stream schedule")
		}
		stats.UpdatedStreams++
	}
	return stats, nil
}
