// Пакет telegram реализует пул читающих MTProto-сессий поверх gotd.
// Пул отображает строковый креденшел аккаунта в живую сессию: по запросу
// возвращает закэшированную либо поднимает новую, прогревает кэш пиров из
// диалогов аккаунта и убирает умершие сессии при сборке мусора. Сессии
// читают историю каналов-доноров и скачивают вложения; публикацией
// занимается отдельный адаптер Bot API.
package telegram

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"telegram-scheduler/internal/domain/content"
	"telegram-scheduler/internal/infra/logger"
	"telegram-scheduler/internal/infra/storage"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	tgclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	tgpeer "github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// readRateEvery и readRateBurst ограничивают частоту запросов сессии,
	// чтобы реже упираться в FLOOD_WAIT.
	readRateEvery = 100 * time.Millisecond
	readRateBurst = 5

	peerCacheOpenTimeout             = time.Second
	peerCacheFileMode    os.FileMode = 0o600

	appVersion = "1.0.3"
)

var peersBucket = []byte("peers")

// Pool — кэш читающих сессий по креденшелу. Потокобезопасен. Пул —
// единственный владелец сессий: выборщик контента сам клиентов не создаёт.
type Pool struct {
	appID    int
	appHash  string
	cacheDir string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPool создаёт пустой пул. cacheDir — каталог bbolt-кэшей пиров,
// по файлу на креденшел.
func NewPool(appID int, appHash, cacheDir string) *Pool {
	return &Pool{
		appID:    appID,
		appHash:  appHash,
		cacheDir: cacheDir,
		sessions: make(map[string]*Session),
	}
}

// Session возвращает живую сессию для креденшела: закэшированную либо новую.
// Блокируется до готовности клиента (авторизация проверена) или до отмены ctx.
// Новая сессия живёт в собственном контексте и переживает вызывающий запрос.
func (p *Pool) Session(ctx context.Context, credential string) (*Session, error) {
	fp := credentialFingerprint(credential)

	p.mu.Lock()
	s, ok := p.sessions[fp]
	if !ok || !s.alive() {
		var err error
		s, err = p.start(ctx, credential, fp)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.sessions[fp] = s
	}
	p.mu.Unlock()

	if err := s.await(ctx); err != nil {
		return nil, err
	}
	s.warmup(ctx)
	return s, nil
}

// Reader — то же, что Session, под интерфейс читателя истории у движка.
func (p *Pool) Reader(ctx context.Context, credential string) (content.Reader, error) {
	s, err := p.Session(ctx, credential)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// start собирает клиента gotd и запускает его в фоне. Сетевых вызовов нет:
// готовность сессии ожидается в await.
func (p *Pool) start(ctx context.Context, credential, fp string) (*Session, error) {
	store, err := sessionStorage(ctx, credential)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(p.cacheDir, "peers_"+fp+".db")
	if err := storage.EnsureDir(dbPath); err != nil {
		return nil, errors.Wrap(err, "ensure peer cache dir")
	}
	db, err := bbolt.Open(dbPath, peerCacheFileMode, &bbolt.Options{Timeout: peerCacheOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open peer cache")
	}

	s := &Session{
		fp:     fp,
		peerDB: db,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	waiter := floodwait.NewWaiter().WithCallback(func(_ context.Context, wait floodwait.FloodWait) {
		logger.Warn("FLOOD_WAIT от Telegram, ждём",
			zap.String("session", fp),
			zap.Duration("wait", wait.Duration),
		)
	})

	s.client = tgclient.NewClient(p.appID, p.appHash, tgclient.Options{
		SessionStorage: store,
		Middlewares: []tgclient.Middleware{
			waiter,
			ratelimit.New(rate.Every(readRateEvery), readRateBurst),
		},
		Device: tgclient.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    appVersion,
		},
	})
	s.api = s.client.API()
	s.dl = downloader.NewDownloader()
	s.peers = boltstor.NewPeerStorage(db, peersBucket)
	s.resolver = contribstorage.NewResolverCache(tgpeer.Plain(s.api), s.peers)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, waiter)
	return s, nil
}

// GC убирает из кэша сессии, чей клиент завершил работу. Возвращает число
// удалённых записей.
func (p *Pool) GC() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for fp, s := range p.sessions {
		if !s.alive() {
			delete(p.sessions, fp)
			removed++
		}
	}
	return removed
}

// Close останавливает все сессии и дожидается завершения их клиентов.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}

// Session — живая читающая сессия одного аккаунта: клиент gotd, загрузчик
// файлов и персистентный кэш пиров. Создаётся и закрывается пулом.
type Session struct {
	fp     string
	client *tgclient.Client
	api    *tg.Client
	dl     *downloader.Downloader

	peerDB   *bbolt.DB
	peers    contribstorage.PeerStorage
	resolver tgpeer.Resolver

	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	runErr error

	warmOnce    sync.Once
	collectMu   sync.Mutex
	lastCollect time.Time
}

// run держит MTProto-соединение до отмены контекста. Проверка авторизации
// выполняется до сигнала готовности: неавторизованный креденшел — ошибка.
func (s *Session) run(ctx context.Context, waiter *floodwait.Waiter) {
	defer close(s.done)
	defer func() { _ = s.peerDB.Close() }()

	err := waiter.Run(ctx, func(ctx context.Context) error {
		return s.client.Run(ctx, func(ctx context.Context) error {
			status, err := s.client.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return errors.New("credential is not authorized")
			}
			close(s.ready)
			<-ctx.Done()
			return ctx.Err()
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Читающая сессия завершилась с ошибкой",
			zap.String("session", s.fp),
			zap.Error(err),
		)
	}
	s.runErr = err
}

// alive сообщает, работает ли ещё клиент сессии.
func (s *Session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// await блокируется до готовности сессии, её смерти или отмены ctx.
func (s *Session) await(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if s.runErr != nil {
			return s.runErr
		}
		return errors.New("session stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) stop() {
	s.cancel()
	<-s.done
}

// warmup единоразово наполняет пустой кэш пиров из диалогов аккаунта.
// Ошибки не фатальны: юзернеймы разрешаются и без кэша, а числовые доноры
// получат повторную попытку сбора при первом промахе.
func (s *Session) warmup(ctx context.Context) {
	s.warmOnce.Do(func() {
		empty, err := s.peersEmpty()
		if err != nil {
			logger.Warn("Не удалось проверить кэш пиров", zap.String("session", s.fp), zap.Error(err))
			return
		}
		if !empty {
			return
		}
		if err := s.collectPeers(ctx); err != nil {
			logger.Warn("Прогрев кэша пиров не удался", zap.String("session", s.fp), zap.Error(err))
		}
	})
}
