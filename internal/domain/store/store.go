// Пакет store реализует хранилище арендатора: схему SQLite, миграции и
// операции движка слотов — атомарное резервирование, фиксацию и откат слотов
// и дедупликационных записей, выборки потоков и дозапись расписаний.
//
// Одному арендатору соответствует один файл базы. Все запросы идут через
// единственное соединение (см. infra/sqlite), поэтому UPDATE с проверкой
// числа затронутых строк образует атомарный compare-and-set без явных
// транзакций.
package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	"telegram-scheduler/internal/infra/sqlite"
	"telegram-scheduler/internal/infra/timeutil"
)

// Состояния слота в колонке posts.is_published.
const (
	SlotPending  = 0  // ждёт публикации
	SlotReserved = -1 // взят воркером на текущий проход
	SlotDone     = 1  // опубликован либо поглощён без публикации
)

// Store — доступ к базе одного арендатора.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open открывает базу арендатора, создавая отсутствующие таблицы.
// Индексы достраиваются по возможности: по старым схемам часть индексируемых
// колонок появляется только после миграции, строгое создание выполняет её
// финальный шаг.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.ensureTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	s.ensureIndexesBestEffort(context.Background())
	return s, nil
}

// Close закрывает соединение с базой.
func (s *Store) Close() error { return s.db.Close() }

// Path возвращает путь к файлу базы.
func (s *Store) Path() string { return s.path }

// Bootstrap создаёт запись триального периода, если у арендатора её ещё нет.
// Повторные вызовы ничего не меняют.
func (s *Store) Bootstrap(ctx context.Context, username string, userID int64, trialDays int, now time.Time) error {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM info WHERE telegram_user_id = ?`, userID)
	if err != nil {
		return errors.Wrap(err, "check info row")
	}
	if count > 0 {
		return nil
	}
	trialEnd := timeutil.FormatSlotTime(now.AddDate(0, 0, trialDays))
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO info (telegram_username, telegram_user_id, subscription_end, rights)
		 VALUES (?, ?, ?, 'client')`,
		username, userID, trialEnd)
	if err != nil {
		return errors.Wrap(err, "insert trial info")
	}
	return nil
}
