// Package app — верхний уровень сборки планировщика публикаций.
// Здесь связываются конфигурация, реестр баз арендаторов, пул MTProto-сессий,
// издатель Bot API и движок расписания. Запуском и остановкой узлов управляет
// менеджер жизненного цикла: он гарантирует, что движок гаснет раньше
// транспортов, а реестр баз закрывается последним из хранилищ.
package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-scheduler/internal/adapters/botapi"
	"telegram-scheduler/internal/adapters/telegram"
	"telegram-scheduler/internal/domain/scheduler"
	"telegram-scheduler/internal/domain/store"
	"telegram-scheduler/internal/infra/config"
	"telegram-scheduler/internal/infra/logger"
)

// dataDirPerm — права на каталоги данных (базы арендаторов, кэши сессий).
const dataDirPerm = 0o700

// mainSessionFile — файл с общим креденшелом основной сессии, который
// оставляет cmd/sessiongen.
const mainSessionFile = "session_string.txt"

// App агрегирует зависимости планировщика и управляет их сборкой.
// Отвечает за:
//   - каталоги данных и реестр баз арендаторов (миграции выполняются при старте),
//   - пул MTProto-сессий для чтения каналов-доноров,
//   - издателя Bot API с ограничителем частоты и обработкой flood wait,
//   - движок расписания и Runner, который оркестрирует жизненный цикл.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует общий shutdown (используется из узлов).

	registry  *store.Registry   // Реестр баз арендаторов: открытие, миграции, кэш подключений.
	sessions  *telegram.Pool    // Пул MTProto-сессий, ключ — отпечаток креденшела.
	publisher *botapi.Publisher // Издатель Bot API с троттлингом и ретраями.
	engine    *scheduler.Engine // Движок расписания: тики, досев, лицензии.

	runner *Runner // Оркестратор узлов жизненного цикла.
}

// NewApp создаёт каркас приложения. Фактическая сборка выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает зависимости по конфигурации и запускает основной цикл.
// Блокируется до остановки приложения и возвращает первую фатальную ошибку.
func (a *App) Run() error {
	logger.Info("Планировщик инициализируется...")

	env := config.Env()
	if err := os.MkdirAll(env.DBDir, dataDirPerm); err != nil {
		return errors.Wrap(err, "create databases dir")
	}
	if err := os.MkdirAll(env.SessionsDir, dataDirPerm); err != nil {
		return errors.Wrap(err, "create sessions dir")
	}

	a.registry = store.NewRegistry(env.DBDir, env.TrialDays)
	a.sessions = telegram.NewPool(env.APIID, env.APIHash, env.SessionsDir)

	publisher, err := botapi.NewPublisher(env.BotToken, env.ThrottleRPS)
	if err != nil {
		return errors.Wrap(err, "init bot publisher")
	}
	a.publisher = publisher

	a.engine = scheduler.New(a.registry, a.sessions, a.publisher, scheduler.Config{
		TickInterval:   time.Duration(tickSeconds(env)) * time.Second,
		MaxPostsPerDay: env.MaxPostsPerChannelPerDay,
		MinSpacing:     time.Duration(env.MinSecondsBetweenPostsPerChannel) * time.Second,
		AdminIDs:       env.AdminIDs,
		MainCredential: mainCredential(env.SessionsDir),
	})

	a.runner = NewRunner(a.mainCtx, a.mainCancel, a.registry, a.sessions, a.publisher, a.engine)
	return a.runner.Run()
}

// mainCredential читает общий креденшел основной сессии. Отсутствие файла —
// не ошибка: арендаторы могут привязать собственные основные сессии.
func mainCredential(sessionsDir string) string {
	raw, err := os.ReadFile(filepath.Join(sessionsDir, mainSessionFile))
	if err != nil {
		logger.Debugf("Файл основной сессии не прочитан: %v", err)
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// tickSeconds выбирает наименьший из настроенных интервалов проверки.
// Единый цикл движка обслуживает все виды потоков за один проход, поэтому
// частота цикла не может быть реже самого требовательного интервала.
func tickSeconds(env config.EnvConfig) int {
	tick := env.PostCheckInterval
	for _, v := range []int{env.PeriodicCheckInterval, env.DonorCheckInterval, env.RandomPostCheckInterval} {
		if v > 0 && v < tick {
			tick = v
		}
	}
	return tick
}
