package store_test

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/sqlite"
)

// newTestStore открывает свежую базу арендатора во временном каталоге.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telegram_tester_100500.db")
	st, err := store.Open(path)
	require.NoError(t, err, "не удалось открыть тестовую базу")
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// openRaw открывает прямое соединение с базой для подготовки данных и
// проверок в обход публичного API хранилища.
func openRaw(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err, "не удалось открыть прямое соединение")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// mustExec выполняет запрос и падает при ошибке.
func mustExec(t *testing.T, db *sqlx.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err, "запрос не выполнился: %s", query)
}
