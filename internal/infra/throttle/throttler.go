// Package throttle ограничивает исходящие запросы к внешним API и повторяет
// неудачные вызовы. Пропуск выдаёт токен-бакет golang.org/x/time/rate;
// стратегия повторов — экспоненциальный бэкоф с джиттером, серверные паузы
// (retry_after, FLOOD_WAIT) распознаются цепочкой WaitExtractor и
// выдерживаются точно. Ошибки, реализующие StopRetryer, возвращаются сразу.
// Do может вызываться из нескольких горутин одновременно.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier — ёмкость бакета по умолчанию относительно rps. Двойной
// запас позволяет коротким пикам уходить без ожидания.
const burstMultiplier = 2

// WaitExtractor распознаёт в ошибке серверное указание подождать и возвращает
// длительность паузы. Второе значение — признак того, что формат ошибки
// распознан. Экстракторы опрашиваются в порядке регистрации.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer помечает ошибки, по которым повторные попытки бессмысленны:
// такие ошибки возвращаются вызывающему немедленно.
type StopRetryer interface {
	StopRetry() bool
}

// Option настраивает троттлер при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторных попыток. Значение <=0 означает
// повторять без ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета. Значение <=0 возвращает
// ёмкость по умолчанию.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует распознаватели серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		t.waitExtractors = append(t.waitExtractors, extractors...)
	}
}

// WithRandom подменяет источник случайности для джиттера. Нужен тестам.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// ErrNotStarted возвращается из Do, если Start ещё не вызывался.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler сериализует исходящие вызовы через токен-бакет и выполняет
// повторные попытки. Создаётся New, запускается Start, останавливается Stop.
type Throttler struct {
	limiter *rate.Limiter
	burst   int

	waitExtractors []WaitExtractor
	maxRetries     int
	randomFn       func() float64

	startOnce sync.Once

	mu      sync.Mutex
	rootCtx context.Context
	cancel  context.CancelFunc
}

// New создаёт троттлер с целевой частотой rps запросов в секунду.
// Ёмкость бакета по умолчанию — burstMultiplier*rps, не меньше единицы.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}

	t := &Throttler{
		maxRetries: -1,
		randomFn:   rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.burst <= 0 {
		t.burst = rps * burstMultiplier
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Start фиксирует корневой контекст троттлера. Его отмена — самим ctx или
// вызовом Stop — прерывает ожидания внутри Do. Идемпотентен.
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.rootCtx, t.cancel = context.WithCancel(ctx)
		t.mu.Unlock()
	})
}

// Stop прерывает все текущие ожидания Do. Повторные вызовы безвредны.
func (t *Throttler) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Do выполняет fn под лимитом токен-бакета и с повторными попытками:
//   - ошибка со StopRetry() — немедленный возврат;
//   - сорванный контекст — возврат его ошибки;
//   - распознанная серверная пауза — точное ожидание и повтор, попытка
//     не расходуется;
//   - прочие ошибки — экспоненциальный бэкоф с джиттером до исчерпания
//     лимита попыток.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.rootContext()
	if root == nil {
		return ErrNotStarted
	}

	attempt := 0
	for {
		if err := t.reserve(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			if wErr := t.sleep(ctx, root, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", t.maxRetries, callErr)
		}

		backoff := t.expBackoff(attempt)
		attempt++
		if wErr := t.sleep(ctx, root, backoff); wErr != nil {
			return wErr
		}
	}
}

// rootContext возвращает корневой контекст, выставленный Start.
func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

// reserve ждёт токен лимитера. Ожидание прерывается внешним контекстом
// вызова либо корневым контекстом троттлера (Stop).
func (t *Throttler) reserve(ctx, root context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	undo := context.AfterFunc(root, cancel)
	defer undo()

	err := t.limiter.Wait(waitCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case root.Err() != nil:
		// Троттлер остановлен; вызывающему это равнозначно отмене.
		return context.Canceled
	default:
		return err
	}
}

// extractWait опрашивает экстракторы и возвращает первую распознанную паузу.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// sleep ждёт duration, прерываясь по любому из двух контекстов.
func (t *Throttler) sleep(ctx, root context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-root.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// expBackoff считает паузу 2^attempt секунд, ограниченную потолком и
// умноженную на джиттер из [0.85..1.15].
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxSeconds  = 60.0
	)

	base := math.Pow(2, float64(attempt))
	if base > maxSeconds {
		base = maxSeconds
	}

	jitter := t.randomFn()*jitterRange + jitterMin
	return time.Duration(base * jitter * float64(time.Second))
}

// stopTimer гасит таймер и дренирует канал, если тик уже случился.
func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
