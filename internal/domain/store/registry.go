package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-scheduler/internal/infra/logger"
)

// tenantFileRe разбирает имя файла базы арендатора. Имя пользователя может
// содержать подчёркивания: жадный захват отдаёт числовому хвосту последний
// фрагмент "_цифры".
var tenantFileRe = regexp.MustCompile(`^telegram_(.+)_(\d+)\.db$`)

// Tenant — арендатор: его учётные данные и путь к его базе.
type Tenant struct {
	Username string
	UserID   int64
	Path     string
}

// Registry управляет базами арендаторов в каталоге данных: перечисляет их,
// открывает с кэшированием соединений и прогоняет миграции. Благодаря кэшу
// каждый арендатор держит ровно одно соединение на весь процесс.
type Registry struct {
	dir       string
	trialDays int

	// Now подменяется в тестах; по умолчанию time.Now.
	Now func() time.Time

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry создаёт реестр поверх каталога с базами арендаторов.
// trialDays — длительность пробного периода для впервые увиденных арендаторов.
func NewRegistry(dir string, trialDays int) *Registry {
	return &Registry{
		dir:       dir,
		trialDays: trialDays,
		Now:       time.Now,
		stores:    make(map[string]*Store),
	}
}

// Dir возвращает каталог с базами арендаторов.
func (r *Registry) Dir() string { return r.dir }

// TenantFor собирает описание арендатора по его учётным данным.
func (r *Registry) TenantFor(username string, userID int64) Tenant {
	return Tenant{
		Username: username,
		UserID:   userID,
		Path:     filepath.Join(r.dir, fmt.Sprintf("telegram_%s_%d.db", username, userID)),
	}
}

// Tenants перечисляет арендаторов по файлам баз в каталоге данных.
// Файлы с неразборчивыми именами пропускаются.
func (r *Registry) Tenants() ([]Tenant, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read tenants dir")
	}
	tenants := make([]Tenant, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := tenantFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		userID, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		tenants = append(tenants, Tenant{
			Username: m[1],
			UserID:   userID,
			Path:     filepath.Join(r.dir, entry.Name()),
		})
	}
	return tenants, nil
}

// Store возвращает открытую базу арендатора, открывая и инициализируя её при
// первом обращении. Для новой базы создаётся запись о пробной подписке.
func (r *Registry) Store(ctx context.Context, tenant Tenant) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stores[tenant.Path]; ok {
		return st, nil
	}
	st, err := Open(tenant.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open tenant %s", tenant.Path)
	}
	if err := st.Bootstrap(ctx, tenant.Username, tenant.UserID, r.trialDays, r.Now()); err != nil {
		_ = st.Close()
		return nil, errors.Wrapf(err, "bootstrap tenant %s", tenant.Path)
	}
	r.stores[tenant.Path] = st
	return st, nil
}

// MigrateAll прогоняет миграции по всем базам арендаторов. Ошибка одного
// арендатора не останавливает остальных: его база закрывается, выбрасывается
// из кэша и до следующего обращения не трогается.
func (r *Registry) MigrateAll(ctx context.Context) error {
	tenants, err := r.Tenants()
	if err != nil {
		return err
	}
	now := r.Now()
	for _, tenant := range tenants {
		st, err := r.Store(ctx, tenant)
		if err != nil {
			logger.Error("не удалось открыть базу арендатора",
				zap.String("db", tenant.Path), zap.Error(err))
			continue
		}
		logger.Info("миграция базы арендатора", zap.String("db", tenant.Path))
		if err := st.Migrate(ctx, now); err != nil {
			logger.Error("миграция базы арендатора не удалась",
				zap.String("db", tenant.Path), zap.Error(err))
			r.drop(tenant.Path)
			continue
		}
	}
	return nil
}

// drop закрывает базу арендатора и выбрасывает её из кэша.
func (r *Registry) drop(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stores[path]; ok {
		_ = st.Close()
		delete(r.stores, path)
	}
}

// Close закрывает все открытые базы арендаторов.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, st := range r.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s", path)
		}
		delete(r.stores, path)
	}
	return firstErr
}
