package store

import (
	"context"

	"github.com/go-faster/errors"
)

// Схема арендатора. Типы и имена колонок повторяют исторические базы,
// поэтому файл, созданный прежними версиями системы, читается без
// преобразований; недостающее доводит миграция.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS info (
		id INTEGER PRIMARY KEY,
		telegram_username TEXT,
		telegram_user_id INTEGER,
		last_purchase_time TIMESTAMP,
		subscription_duration INTEGER,
		subscription_end TIMESTAMP,
		rights TEXT DEFAULT 'client',
		is_banned BOOLEAN DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER,
		channel_username TEXT,
		content_type TEXT,
		content TEXT,
		media_id TEXT,
		scheduled_time TIMESTAMP,
		is_periodic BOOLEAN DEFAULT 0,
		period_hours INTEGER,
		is_published BOOLEAN DEFAULT 0,
		last_post_time TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		random_post_id INTEGER,
		donor_channels_json TEXT,
		target_channels_json TEXT,
		post_freshness INTEGER DEFAULT 1,
		phone_number TEXT,
		is_public_channel BOOLEAN DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER UNIQUE,
		channel_username TEXT,
		channel_title TEXT,
		is_donor BOOLEAN DEFAULT 0,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS linked_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone_number TEXT,
		session_string TEXT,
		is_main BOOLEAN DEFAULT 0,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS repost_streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		donor_channel TEXT,
		target_channels TEXT,
		last_message_id INTEGER DEFAULT 0,
		phone_number TEXT,
		is_public_channel BOOLEAN DEFAULT 0,
		post_freshness INTEGER DEFAULT 1,
		is_active BOOLEAN DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS periodic_posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		donor_channel TEXT,
		target_channels TEXT,
		last_post_time TIMESTAMP,
		phone_number TEXT,
		is_public_channel BOOLEAN DEFAULT 0,
		is_active BOOLEAN DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS random_posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		donor_channels TEXT,
		target_channels TEXT,
		min_interval_hours INTEGER DEFAULT 1,
		max_interval_hours INTEGER DEFAULT 24,
		posts_per_day INTEGER DEFAULT 1,
		post_freshness INTEGER DEFAULT 1,
		is_active BOOLEAN DEFAULT 1,
		last_post_time TIMESTAMP,
		phone_number TEXT,
		is_public_channel BOOLEAN DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		next_post_times_json TEXT DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS published_dedup (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		published_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// indexStatements — индексы частых запросов движка. Уникальный индекс
// published_dedup — основа дедупликации: INSERT OR IGNORE по нему и есть
// резервирование отпечатка.
var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_posts_sched_pub ON posts(is_published, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_random_post_id ON posts(random_post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_content_type ON posts(content_type)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_channel_id ON posts(channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_linked_accounts_phone ON linked_accounts(phone_number)`,
	`CREATE INDEX IF NOT EXISTS idx_repost_streams_is_active ON repost_streams(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_random_posts_is_active ON random_posts(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_info_telegram_user_id ON info(telegram_user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_published_dedup_channel_fpr ON published_dedup(channel_id, fingerprint)`,
}

// ensureTables создаёт недостающие таблицы. Существующие таблицы старых схем
// не трогает: их колонки доводит миграция.
func (s *Store) ensureTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create table")
		}
	}
	return nil
}

// ensureIndexesBestEffort создаёт индексы, пропуская ошибки: на старой схеме
// часть индексируемых колонок ещё отсутствует.
func (s *Store) ensureIndexesBestEffort(ctx context.Context) {
	for _, stmt := range indexStatements {
		_, _ = s.db.ExecContext(ctx, stmt)
	}
}

// ensureIndexes создаёт индексы строго. Вызывается финальным шагом миграции,
// когда все колонки гарантированно существуют.
func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, stmt := range indexStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}
