package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/go-faster/errors"

	"telegram-scheduler/internal/infra/timeutil"
)

// LicenseInfo — подписка арендатора. База арендатора несёт ровно одну
// строку info, создаваемую при первом открытии.
type LicenseInfo struct {
	UserID          int64
	Username        string
	SubscriptionEnd time.Time
	Banned          bool
}

// DaysLeft возвращает целое число суток до конца подписки, с округлением
// вниз: за 12 часов до конца осталось 0 дней, через 12 часов после — -1.
func (l LicenseInfo) DaysLeft(now time.Time) int {
	return int(math.Floor(l.SubscriptionEnd.Sub(now).Hours() / 24))
}

// Active сообщает, действует ли подписка. Подписка живёт до самого конца
// последнего дня: арендатор с несколькими часами до истечения ещё активен.
func (l LicenseInfo) Active(now time.Time) bool {
	return !l.Banned && l.SubscriptionEnd.After(now)
}

// License возвращает подписку арендатора. ok == false, если строки info нет
// либо срок подписки не читается.
func (s *Store) License(ctx context.Context) (LicenseInfo, bool, error) {
	var row struct {
		UserID   int64  `db:"telegram_user_id"`
		Username string `db:"telegram_username"`
		End      string `db:"subscription_end"`
		Banned   bool   `db:"is_banned"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(telegram_user_id, 0)      AS telegram_user_id,
		       COALESCE(telegram_username, '')    AS telegram_username,
		       COALESCE(subscription_end, '')     AS subscription_end,
		       COALESCE(is_banned, 0) != 0        AS is_banned
		FROM info LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return LicenseInfo{}, false, nil
	}
	if err != nil {
		return LicenseInfo{}, false, errors.Wrap(err, "select license")
	}
	if row.End == "" {
		return LicenseInfo{}, false, nil
	}
	end, err := timeutil.ParseSlotTime(row.End)
	if err != nil {
		return LicenseInfo{}, false, nil
	}
	return LicenseInfo{
		UserID:          row.UserID,
		Username:        row.Username,
		SubscriptionEnd: end,
		Banned:          row.Banned,
	}, true, nil
}

// MainSessionString возвращает креденшел основной сессии арендатора.
// ok == false, если основная сессия не привязана либо пуста. При нескольких
// основных записях берётся последняя привязанная.
func (s *Store) MainSessionString(ctx context.Context) (string, bool, error) {
	var session string
	err := s.db.GetContext(ctx, &session,
		`SELECT COALESCE(session_string, '') FROM linked_accounts
		 WHERE is_main = 1 ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "select main session")
	}
	if session == "" {
		return "", false, nil
	}
	return session, true, nil
}

// SessionStringByPhone возвращает сессию привязанного аккаунта.
// ok == false, если аккаунт не привязан либо сессия пуста.
func (s *Store) SessionStringByPhone(ctx context.Context, phone string) (string, bool, error) {
	var session string
	err := s.db.GetContext(ctx, &session,
		`SELECT COALESCE(session_string, '') FROM linked_accounts WHERE phone_number = ? LIMIT 1`,
		phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "select session string")
	}
	if session == "" {
		return "", false, nil
	}
	return session, true, nil
}

// AddLinkedAccount привязывает аккаунт по номеру телефона. Прежние записи
// этого номера заменяются.
func (s *Store) AddLinkedAccount(ctx context.Context, phone, sessionString string, isMain bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add linked account")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE phone_number = ?`, phone); err != nil {
		return errors.Wrap(err, "replace linked account")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO linked_accounts (phone_number, session_string, is_main) VALUES (?, ?, ?)`,
		phone, sessionString, isMain); err != nil {
		return errors.Wrap(err, "insert linked account")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit add linked account")
	}
	return nil
}

// Channel — известный системе канал.
type Channel struct {
	ChannelID int64  `db:"channel_id"`
	Username  string `db:"channel_username"`
	Title     string `db:"channel_title"`
	IsDonor   bool   `db:"is_donor"`
}

// UpsertChannel запоминает канал. Повторная запись того же channel_id
// обновляет имя и заголовок.
func (s *Store) UpsertChannel(ctx context.Context, ch Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, channel_username, channel_title, is_donor)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			channel_username = excluded.channel_username,
			channel_title = excluded.channel_title,
			is_donor = excluded.is_donor`,
		ch.ChannelID, ch.Username, ch.Title, ch.IsDonor)
	if err != nil {
		return errors.Wrap(err, "upsert channel")
	}
	return nil
}

// Channels возвращает все известные каналы.
func (s *Store) Channels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	err := s.db.SelectContext(ctx, &channels, `
		SELECT COALESCE(channel_id, 0)       AS channel_id,
		       COALESCE(channel_username, '') AS channel_username,
		       COALESCE(channel_title, '')   AS channel_title,
		       COALESCE(is_donor, 0) != 0    AS is_donor
		FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, errors.Wrap(err, "select channels")
	}
	return channels, nil
}
