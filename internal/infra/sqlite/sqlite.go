// Пакет sqlite открывает базы арендаторов с настройками, рассчитанными на
// профиль «один писатель, WAL». Каждая база — отдельный файл; соединение
// единственное, поэтому прагмы, выставленные после открытия, живут до закрытия.
package sqlite

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"telegram-scheduler/internal/infra/storage"
)

// busyTimeout — сколько ждать снятия блокировки, прежде чем вернуть SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// performancePragmas — прагмы, не выражаемые параметрами DSN. Применяются к
// единственному соединению сразу после открытия.
var performancePragmas = []string{
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_size = -20000",
}

// Open открывает (при необходимости создавая) базу по указанному пути.
//
// Параметры DSN:
//   - mode=rwc: создать файл, если его нет;
//   - cache=shared: общий page cache;
//   - _foreign_keys=on: единообразная проверка внешних ключей;
//   - _busy_timeout: короткое ожидание вместо мгновенного SQLITE_BUSY;
//   - _journal_mode=WAL: конкурентное чтение при одном писателе;
//   - _synchronous=NORMAL: разумный баланс надёжности и скорости.
//
// Пул ограничен одним соединением: записи сериализуются на стороне приложения,
// и SQLITE_BUSY в обычной работе не возникает.
func Open(path string) (*sqlx.DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&cache=shared&_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range performancePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}
