// Файл runner.go — точка оркестрации: узлы приложения регистрируются в менеджере
// жизненного цикла, стартуют с учётом зависимостей и гаснут в обратном порядке.
// Бизнес-назначение: движок должен остановиться раньше транспортов, чтобы
// начатые публикации успели завершиться до закрытия пула сессий и издателя,
// а базы арендаторов закрылись последними.
package app

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-scheduler/internal/adapters/botapi"
	"telegram-scheduler/internal/adapters/telegram"
	"telegram-scheduler/internal/domain/scheduler"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/lifecycle"
	"telegram-scheduler/internal/infra/logger"
)

// Имена узлов жизненного цикла. Порядок остановки обратен фактическому порядку
// запуска, который менеджер выводит из зависимостей узла движка.
const (
	nodeStores    = "tenant_stores"
	nodePool      = "session_pool"
	nodePublisher = "bot_publisher"
	nodeEngine    = "scheduler_engine"
)

// Runner инкапсулирует сценарий запуска и остановки планировщика.
// Отвечает за:
//   - регистрацию узлов в менеджере жизненного цикла с явными зависимостями,
//   - запуск движка в отдельной горутине и перехват его фатальных ошибок,
//   - корректное завершение: движок, пул сессий, реестр баз, издатель.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).

	registry  *store.Registry
	sessions  *telegram.Pool
	publisher *botapi.Publisher
	engine    *scheduler.Engine

	life *lifecycle.Manager // Менеджер узлов: старт по зависимостям, остановка в обратном порядке.

	engineWG  sync.WaitGroup // Ждёт завершения горутины движка при остановке.
	engineMu  sync.Mutex     // Защищает engineErr.
	engineErr error          // Первая фатальная ошибка движка; nil при штатной отмене.
}

// NewRunner подготавливает Runner с собранными зависимостями.
// Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	registry *store.Registry,
	sessions *telegram.Pool,
	publisher *botapi.Publisher,
	engine *scheduler.Engine,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		registry:   registry,
		sessions:   sessions,
		publisher:  publisher,
		engine:     engine,
	}
}

// Run — главный цикл планировщика. Регистрирует и запускает узлы, затем
// блокируется до отмены внешнего контекста и гасит узлы в обратном порядке.
// Фатальная ошибка движка имеет приоритет над ошибками остановки.
func (r *Runner) Run() error {
	r.life = lifecycle.New(r.mainCtx)
	if err := r.registerNodes(); err != nil {
		return errors.Wrap(err, "register lifecycle nodes")
	}

	if err := r.life.StartAll(); err != nil {
		logger.Error("Запуск узлов не удался", zap.Error(err))
		if stopErr := r.life.Shutdown(); stopErr != nil {
			logger.Error("Остановка после неудачного старта", zap.Error(stopErr))
		}
		return err
	}

	logger.Info("Планировщик работает, ожидаем сигнала остановки")
	<-r.mainCtx.Done()
	logger.Info("Получен сигнал остановки, гасим узлы...")

	shutdownErr := r.life.Shutdown()
	if shutdownErr != nil {
		logger.Error("Часть узлов остановилась с ошибками", zap.Error(shutdownErr))
	}
	if err := r.takeEngineErr(); err != nil {
		return err
	}
	return shutdownErr
}

// registerNodes описывает узлы приложения. Движок зависит от хранилищ, пула
// сессий и издателя, поэтому стартует последним и гаснет первым.
func (r *Runner) registerNodes() error {
	if err := r.life.Register(nodeStores, nil,
		func(ctx context.Context) error {
			if err := r.registry.MigrateAll(ctx); err != nil {
				return errors.Wrap(err, "migrate tenant databases")
			}
			return nil
		},
		func(context.Context) error {
			return r.registry.Close()
		},
	); err != nil {
		return err
	}

	if err := r.life.Register(nodePool, nil, nil,
		func(context.Context) error {
			r.sessions.Close()
			return nil
		},
	); err != nil {
		return err
	}

	if err := r.life.Register(nodePublisher, nil,
		func(ctx context.Context) error {
			r.publisher.Start(ctx)
			return nil
		},
		func(context.Context) error {
			r.publisher.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	return r.life.Register(nodeEngine, []string{nodeStores, nodePool, nodePublisher},
		func(ctx context.Context) error {
			r.engineWG.Go(func() {
				err := r.engine.Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Движок завершился с ошибкой", zap.Error(err))
					r.setEngineErr(err)
					// Движок мёртв, держать транспорты дальше бессмысленно.
					r.mainCancel()
				}
			})
			return nil
		},
		func(context.Context) error {
			// Контекст узла уже отменён менеджером, ждём выхода горутины.
			r.engineWG.Wait()
			return nil
		},
	)
}

func (r *Runner) setEngineErr(err error) {
	r.engineMu.Lock()
	defer r.engineMu.Unlock()
	if r.engineErr == nil {
		r.engineErr = err
	}
}

func (r *Runner) takeEngineErr() error {
	r.engineMu.Lock()
	defer r.engineMu.Unlock()
	return r.engineErr
}
