package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telegram-scheduler/internal/infra/timeutil"
)

// RepostStream — активный поток зеркалирования донора в цели.
type RepostStream struct {
	ID            int64  `db:"id"`
	DonorChannel  string `db:"donor_channel"`
	TargetsJSON   string `db:"target_channels"`
	LastMessageID int64  `db:"last_message_id"`
	IsPublic      bool   `db:"is_public_channel"`
	PhoneNumber   string `db:"phone_number"`
	Freshness     int    `db:"post_freshness"`
}

// Targets возвращает цели потока. Поле пережило миграцию CSV→JSON, поэтому
// разбор принимает обе формы.
func (r RepostStream) Targets() []int64 { return ParseChannelIDs(r.TargetsJSON) }

// RandomStream — поток случайных публикаций.
type RandomStream struct {
	ID            int64  `db:"id"`
	DonorsJSON    string `db:"donor_channels"`
	TargetsJSON   string `db:"target_channels"`
	PostsPerDay   int    `db:"posts_per_day"`
	Freshness     int    `db:"post_freshness"`
	PhoneNumber   string `db:"phone_number"`
	IsPublic      bool   `db:"is_public_channel"`
	NextTimesJSON string `db:"next_post_times_json"`
}

// Donors возвращает доноров потока.
func (r RandomStream) Donors() []ChannelRef { return ParseChannelRefs(r.DonorsJSON) }

// Targets возвращает цели потока.
func (r RandomStream) Targets() []int64 { return ParseChannelIDs(r.TargetsJSON) }

// PeriodicStream — поток регулярного повтора свежего поста донора.
type PeriodicStream struct {
	ID           int64  `db:"id"`
	DonorChannel string `db:"donor_channel"`
	TargetsJSON  string `db:"target_channels"`
	LastPostTime string `db:"last_post_time"`
	PhoneNumber  string `db:"phone_number"`
	IsPublic     bool   `db:"is_public_channel"`
}

// Targets возвращает цели потока.
func (p PeriodicStream) Targets() []int64 { return ParseChannelIDs(p.TargetsJSON) }

// LastPostedAt возвращает время последней публикации потока.
// ok == false, если поток ещё не публиковался либо отметка не разбирается.
func (p PeriodicStream) LastPostedAt() (time.Time, bool) {
	if p.LastPostTime == "" {
		return time.Time{}, false
	}
	at, err := timeutil.ParseSlotTime(p.LastPostTime)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// ActiveRepostStreams возвращает все активные потоки зеркалирования.
func (s *Store) ActiveRepostStreams(ctx context.Context) ([]RepostStream, error) {
	var streams []RepostStream
	err := s.db.SelectContext(ctx, &streams, `
		SELECT id,
		       COALESCE(donor_channel, '')         AS donor_channel,
		       COALESCE(target_channels, '')       AS target_channels,
		       COALESCE(last_message_id, 0)        AS last_message_id,
		       COALESCE(is_public_channel, 0) != 0 AS is_public_channel,
		       COALESCE(phone_number, '')          AS phone_number,
		       COALESCE(post_freshness, 1)         AS post_freshness
		FROM repost_streams
		WHERE is_active = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "select repost streams")
	}
	return streams, nil
}

// ActiveRandomStreams возвращает все активные случайные потоки.
func (s *Store) ActiveRandomStreams(ctx context.Context) ([]RandomStream, error) {
	var streams []RandomStream
	err := s.db.SelectContext(ctx, &streams, `
		SELECT id,
		       COALESCE(donor_channels, '')        AS donor_channels,
		       COALESCE(target_channels, '')       AS target_channels,
		       COALESCE(posts_per_day, 1)          AS posts_per_day,
		       COALESCE(post_freshness, 1)         AS post_freshness,
		       COALESCE(phone_number, '')          AS phone_number,
		       COALESCE(is_public_channel, 0) != 0 AS is_public_channel,
		       COALESCE(next_post_times_json, '')  AS next_post_times_json
		FROM random_posts
		WHERE is_active = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "select random streams")
	}
	return streams, nil
}

// ActivePeriodicStreams возвращает все активные периодические потоки.
func (s *Store) ActivePeriodicStreams(ctx context.Context) ([]PeriodicStream, error) {
	var streams []PeriodicStream
	err := s.db.SelectContext(ctx, &streams, `
		SELECT id,
		       COALESCE(donor_channel, '')         AS donor_channel,
		       COALESCE(target_channels, '')       AS target_channels,
		       COALESCE(last_post_time, '')        AS last_post_time,
		       COALESCE(phone_number, '')          AS phone_number,
		       COALESCE(is_public_channel, 0) != 0 AS is_public_channel
		FROM periodic_posts
		WHERE is_active = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "select periodic streams")
	}
	return streams, nil
}

// BumpLastSeen продвигает отметку последнего виденного сообщения потока.
// Отметка монотонна: запоздавший воркер с меньшим id её не откатит.
func (s *Store) BumpLastSeen(ctx context.Context, streamID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repost_streams SET last_message_id = ? WHERE id = ? AND last_message_id < ?`,
		messageID, streamID, messageID)
	if err != nil {
		return errors.Wrap(err, "bump last seen")
	}
	return nil
}

// TouchRandomStream фиксирует время последней публикации случайного потока.
func (s *Store) TouchRandomStream(ctx context.Context, streamID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE random_posts SET last_post_time = ? WHERE id = ?`,
		timeutil.FormatSlotTime(now), streamID)
	if err != nil {
		return errors.Wrap(err, "touch random stream")
	}
	return nil
}

// TouchPeriodicStream фиксирует время последней публикации периодического потока.
func (s *Store) TouchPeriodicStream(ctx context.Context, streamID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE periodic_posts SET last_post_time = ? WHERE id = ?`,
		timeutil.FormatSlotTime(now), streamID)
	if err != nil {
		return errors.Wrap(err, "touch periodic stream")
	}
	return nil
}

// RefreshUpcomingTimes пересобирает витрину будущих публикаций потока из
// фактических слотов: берутся времена ожидающих слотов строго позже now по
// всем целям, сортируются и записываются в next_post_times_json.
func (s *Store) RefreshUpcomingTimes(ctx context.Context, streamID int64, now time.Time) ([]time.Time, error) {
	var raws []string
	err := s.db.SelectContext(ctx, &raws, `
		SELECT scheduled_time FROM posts
		WHERE random_post_id = ? AND is_published = ? AND scheduled_time > ?
		ORDER BY scheduled_time ASC`,
		streamID, SlotPending, timeutil.FormatSlotTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "select upcoming times")
	}
	times := make([]time.Time, 0, len(raws))
	for _, raw := range raws {
		at, err := timeutil.ParseSlotTime(raw)
		if err != nil {
			continue
		}
		times = append(times, at)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE random_posts SET next_post_times_json = ? WHERE id = ?`,
		marshalTimes(times), streamID); err != nil {
		return nil, errors.Wrap(err, "store upcoming times")
	}
	return times, nil
}

// RepostStreamSeed — параметры нового потока зеркалирования.
type RepostStreamSeed struct {
	DonorChannel string
	Targets      []int64
	IsPublic     bool
	PhoneNumber  string
	Freshness    int
}

// CreateRepostStream создаёт поток зеркалирования и возвращает его идентификатор.
func (s *Store) CreateRepostStream(ctx context.Context, seed RepostStreamSeed) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repost_streams (donor_channel, target_channels, last_message_id, phone_number, is_public_channel, post_freshness, is_active)
		VALUES (?, ?, 0, ?, ?, ?, 1)`,
		seed.DonorChannel, MarshalChannelIDs(seed.Targets),
		seed.PhoneNumber, seed.IsPublic, seed.Freshness)
	if err != nil {
		return 0, errors.Wrap(err, "create repost stream")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "create repost stream: last id")
	}
	return id, nil
}

// RandomStreamSeed — параметры нового случайного потока.
type RandomStreamSeed struct {
	Donors      []ChannelRef
	Targets     []int64
	PostsPerDay int
	Freshness   int
	PhoneNumber string
	IsPublic    bool
}

// CreateRandomStream создаёт случайный поток и возвращает его идентификатор.
func (s *Store) CreateRandomStream(ctx context.Context, seed RandomStreamSeed) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO random_posts (donor_channels, target_channels, posts_per_day, post_freshness, phone_number, is_public_channel, is_active, next_post_times_json)
		VALUES (?, ?, ?, ?, ?, ?, 1, '[]')`,
		MarshalChannelRefs(seed.Donors), MarshalChannelIDs(seed.Targets),
		seed.PostsPerDay, seed.Freshness, seed.PhoneNumber, seed.IsPublic)
	if err != nil {
		return 0, errors.Wrap(err, "create random stream")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "create random stream: last id")
	}
	return id, nil
}

// PeriodicStreamSeed — параметры нового периодического потока.
type PeriodicStreamSeed struct {
	DonorChannel string
	Targets      []int64
	PhoneNumber  string
	IsPublic     bool
}

// CreatePeriodicStream создаёт периодический поток и возвращает его идентификатор.
func (s *Store) CreatePeriodicStream(ctx context.Context, seed PeriodicStreamSeed) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO periodic_posts (donor_channel, target_channels, phone_number, is_public_channel, is_active)
		VALUES (?, ?, ?, ?, 1)`,
		seed.DonorChannel, MarshalChannelIDs(seed.Targets),
		seed.PhoneNumber, seed.IsPublic)
	if err != nil {
		return 0, errors.Wrap(err, "create periodic stream")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "create periodic stream: last id")
	}
	return id, nil
}
