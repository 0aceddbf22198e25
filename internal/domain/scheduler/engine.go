// Пакет scheduler содержит движок публикаций. Движок обходит базы
// арендаторов, публикует наступившие слоты всех видов потоков и досеивает
// расписания случайных потоков на сегодня и завтра.
//
// Центральная гарантия — «не дважды»: слот публикуется не более одного раза
// (атомарный захват слота), а одинаковый контент не попадает в канал
// повторно (бронь отпечатка). Неудачная публикация откатывает обе отметки,
// и слот остаётся ожидающим.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// oneShotBatch и randomBatch — потолок слотов, обрабатываемых за проход.
	oneShotBatch = 50
	randomBatch  = 100

	// fetchAttempts — попытки подобрать неповторяющийся пост для слота.
	fetchAttempts = 5

	repostHistoryLimit = 50
	repostPacing       = 500 * time.Millisecond

	periodicInterval      = 6 * time.Hour
	periodicFreshnessDays = 7

	backfillInterval = 15 * time.Minute
	minTickInterval  = 5 * time.Second
	errorBackoff     = time.Minute

	gcInterval      = 5 * time.Minute
	cleanupInterval = 30 * time.Minute

	licenseSweepInterval = 24 * time.Hour
	licenseRetryBackoff  = time.Hour
	licenseWarnDays      = 3
)

// Publisher отправляет посты в каналы. Реализуется адаптером Bot API.
type Publisher interface {
	Publish(ctx context.Context, chatID int64, post *content.Post) error
	Forward(ctx context.Context, chatID, fromChatID int64, messageID int) error
}

// SessionPool выдаёт живые читающие сессии по строковому креденшелу и
// убирает умершие. Реализуется пулом MTProto-сессий.
type SessionPool interface {
	Reader(ctx context.Context, credential string) (content.Reader, error)
	GC() int
}

// Config — параметры движка из окружения.
type Config struct {
	// TickInterval — пауза между проходами; ниже 5 секунд не опускается.
	TickInterval time.Duration
	// MaxPostsPerDay ограничивает публикации в канал за скользящие сутки.
	// 0 выключает лимит.
	MaxPostsPerDay int
	// MinSpacing — минимальный зазор между публикациями в один канал.
	// 0 выключает лимит.
	MinSpacing time.Duration
	// AdminIDs получают служебные уведомления о подписках.
	AdminIDs []int64
	// MainCredential — общий креденшел основной сессии из session_string.txt.
	// Читает публичных доноров арендаторов, не привязавших собственную
	// основную сессию. Пустая строка — файла нет.
	MainCredential string
}

// Engine — движок публикаций. Создаётся New, запускается Run.
type Engine struct {
	registry  *store.Registry
	sessions  SessionPool
	publisher Publisher
	cfg       Config

	fetcher *content.Fetcher

	// Now и Rand подменяются в тестах; по умолчанию time.Now и rand.IntN.
	Now  func() time.Time
	Rand func(n int) int

	pacing       time.Duration
	lastBackfill time.Time
}

// New собирает движок поверх реестра арендаторов, пула сессий и публикатора.
func New(registry *store.Registry, sessions SessionPool, publisher Publisher, cfg Config) *Engine {
	return &Engine{
		registry:  registry,
		sessions:  sessions,
		publisher: publisher,
		cfg:       cfg,
		fetcher:   &content.Fetcher{},
		Now:       time.Now,
		Rand:      rand.IntN,
		pacing:    repostPacing,
	}
}

// Run запускает основной цикл и служебные циклы движка и блокируется до
// отмены контекста. Перед первым проходом расписания досеиваются, чтобы
// после простоя сегодняшний день не остался пустым.
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("Планировщик запущен",
		zap.Duration("tick", e.tickInterval()),
		zap.Int("max_posts_per_day", e.cfg.MaxPostsPerDay),
		zap.Duration("min_spacing", e.cfg.MinSpacing),
	)
	e.backfillAll(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tickLoop(ctx) })
	g.Go(func() error { return e.gcLoop(ctx) })
	g.Go(func() error { return e.cleanupLoop(ctx) })
	g.Go(func() error { return e.licenseLoop(ctx) })
	return g.Wait()
}

// tickLoop гоняет полные проходы с паузой tickInterval; после прохода
// с ошибками пауза растёт до минуты.
func (e *Engine) tickLoop(ctx context.Context) error {
	for {
		hadErr, err := e.tick(ctx)
		if err != nil {
			return err
		}
		pause := e.tickInterval()
		if hadErr {
			pause = errorBackoff
		}
		if err := e.wait(ctx, pause); err != nil {
			return err
		}
	}
}

// tick — один полный проход: каждый арендатор с действующей подпиской,
// все виды потоков, затем при необходимости досев расписаний.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	tenants, err := e.registry.Tenants()
	if err != nil {
		logger.Error("Не удалось перечислить арендаторов", zap.Error(err))
		return true, nil
	}

	hadErr := false
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return hadErr, err
		}
		if err := e.processTenant(ctx, tenant); err != nil {
			if isCtxErr(err) {
				return hadErr, err
			}
			hadErr = true
			logger.Error("Проход по арендатору не удался",
				zap.String("tenant", tenant.Username),
				zap.Error(err),
			)
		}
	}

	if e.Now().Sub(e.lastBackfill) >= backfillInterval {
		e.backfillAll(ctx)
	}
	return hadErr, nil
}

// processTenant прогоняет четыре публикационных прохода одной базы.
// Ошибка прохода прерывает обработку арендатора до следующего тика.
func (e *Engine) processTenant(ctx context.Context, tenant store.Tenant) error {
	st, err := e.registry.Store(ctx, tenant)
	if err != nil {
		return err
	}

	lic, ok, err := st.License(ctx)
	if err != nil {
		return err
	}
	if !ok || !lic.Active(e.Now()) {
		logger.Debug("Подписка неактивна, арендатор пропущен", zap.String("tenant", tenant.Username))
		return nil
	}

	if err := e.oneShotPass(ctx, st); err != nil {
		return errors.Wrap(err, "one-shot pass")
	}
	if err := e.repostPass(ctx, st); err != nil {
		return errors.Wrap(err, "repost pass")
	}
	if err := e.randomPass(ctx, st); err != nil {
		return errors.Wrap(err, "random pass")
	}
	if err := e.periodicPass(ctx, st); err != nil {
		return errors.Wrap(err, "periodic pass")
	}
	return nil
}

// readerFor возвращает читающую сессию для потока: основную — для публичных
// доноров и потоков без привязанного номера, иначе сессию привязанного
// аккаунта.
func (e *Engine) readerFor(ctx context.Context, st *store.Store, phone string, isPublic bool) (content.Reader, error) {
	cred, err := e.credentialFor(ctx, st, phone, isPublic)
	if err != nil {
		return nil, err
	}
	return e.sessions.Reader(ctx, cred)
}

func (e *Engine) credentialFor(ctx context.Context, st *store.Store, phone string, isPublic bool) (string, error) {
	if isPublic || phone == "" {
		cred, ok, err := st.MainSessionString(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return cred, nil
		}
		if e.cfg.MainCredential != "" {
			return e.cfg.MainCredential, nil
		}
		return "", errors.New("main session is not linked")
	}
	cred, ok, err := st.SessionStringByPhone(ctx, phone)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("no linked account for %s", phone)
	}
	return cred, nil
}

// gcLoop периодически убирает умершие сессии из пула.
func (e *Engine) gcLoop(ctx context.Context) error {
	for {
		if err := e.wait(ctx, gcInterval); err != nil {
			return err
		}
		if n := e.sessions.GC(); n > 0 {
			logger.Debug("Убраны умершие сессии", zap.Int("count", n))
		}
	}
}

// cleanupLoop периодически удаляет просроченные неопубликованные слоты.
func (e *Engine) cleanupLoop(ctx context.Context) error {
	for {
		if err := e.wait(ctx, cleanupInterval); err != nil {
			return err
		}
		e.cleanupSweep(ctx)
	}
}

func (e *Engine) cleanupSweep(ctx context.Context) {
	tenants, err := e.registry.Tenants()
	if err != nil {
		logger.Warn("Уборка: не удалось перечислить арендаторов", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		st, err := e.registry.Store(ctx, tenant)
		if err != nil {
			logger.Warn("Уборка: база арендатора недоступна",
				zap.String("tenant", tenant.Username), zap.Error(err))
			continue
		}
		stats, err := st.CleanupPastPosts(ctx, e.Now())
		if err != nil {
			logger.Warn("Уборка просроченных слотов не удалась",
				zap.String("tenant", tenant.Username), zap.Error(err))
			continue
		}
		if stats.DeletedSlots > 0 || stats.UpdatedStreams > 0 {
			logger.Info("Просроченные слоты убраны",
				zap.String("tenant", tenant.Username),
				zap.Int64("deleted", stats.DeletedSlots),
				zap.Int("streams", stats.UpdatedStreams),
			)
		}
	}
}

// licenseLoop раз в сутки проверяет подписки и предупреждает об истечении.
// После ошибки проверка повторяется через час.
func (e *Engine) licenseLoop(ctx context.Context) error {
	for {
		pause := licenseSweepInterval
		if err := e.licenseSweep(ctx); err != nil {
			if isCtxErr(err) {
				return err
			}
			logger.Error("Проверка подписок не удалась", zap.Error(err))
			pause = licenseRetryBackoff
		}
		if err := e.wait(ctx, pause); err != nil {
			return err
		}
	}
}

func (e *Engine) licenseSweep(ctx context.Context) error {
	tenants, err := e.registry.Tenants()
	if err != nil {
		return err
	}

	now := e.Now()
	for _, tenant := range tenants {
		st, err := e.registry.Store(ctx, tenant)
		if err != nil {
			logger.Warn("Подписки: база арендатора недоступна",
				zap.String("tenant", tenant.Username), zap.Error(err))
			continue
		}
		lic, ok, err := st.License(ctx)
		if err != nil {
			return err
		}
		if !ok || lic.Banned {
			continue
		}

		days := lic.DaysLeft(now)
		switch {
		case !lic.Active(now):
			logger.Warn("Подписка арендатора истекла",
				zap.String("tenant", tenant.Username),
				zap.Time("until", lic.SubscriptionEnd),
			)
			e.notifyAdmins(ctx, fmt.Sprintf("Подписка @%s истекла %s, публикации остановлены.",
				lic.Username, lic.SubscriptionEnd.Format("02.01.2006")))
		case days <= licenseWarnDays:
			logger.Warn("Подписка арендатора скоро истечёт",
				zap.String("tenant", tenant.Username),
				zap.Int("days_left", days),
			)
			e.notifyAdmins(ctx, fmt.Sprintf("Подписка @%s истекает %s (через %d дн.).",
				lic.Username, lic.SubscriptionEnd.Format("02.01.2006"), days))
		}
	}
	return nil
}

// notifyAdmins рассылает служебное сообщение администраторам. Ошибки
// доставки не прерывают обход: администратор мог не начать диалог с ботом.
func (e *Engine) notifyAdmins(ctx context.Context, text string) {
	for _, adminID := range e.cfg.AdminIDs {
		post := &content.Post{Kind: content.KindText, Text: text}
		if err := e.publisher.Publish(ctx, adminID, post); err != nil {
			logger.Warn("Уведомление администратору не доставлено",
				zap.Int64("admin", adminID), zap.Error(err))
		}
	}
}

func (e *Engine) tickInterval() time.Duration {
	if e.cfg.TickInterval < minTickInterval {
		return minTickInterval
	}
	return e.cfg.TickInterval
}

// wait спит d с уважением к контексту.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
