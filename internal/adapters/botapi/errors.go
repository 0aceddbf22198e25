package botapi

// Классификация ошибок Bot API для общего троттлера: retry_after уходит в
// throttle.WaitExtractor и выдерживается ровно, без джиттера; постоянные
// 4xx-ошибки («бот исключён из канала», «чат не найден») помечаются
// StopRetry, чтобы не жечь повторные попытки впустую.

import (
	"net/http"
	"time"

	"telegram-scheduler/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/mymmrac/telego/telegoapi"
)

// permanentError оборачивает постоянную ошибку Bot API. Реализует
// throttle.StopRetryer: троттлер вернёт её вызывающему без ретраев.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }

// classify помечает постоянные ошибки Bot API как StopRetry. Временные
// (429, 5xx, сетевые) возвращаются как есть и уходят в стратегию ретраев.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && isPermanent(apiErr) {
		return &permanentError{err: err}
	}
	return err
}

// isPermanent считает постоянными все 4xx, кроме 429 и ответов с retry_after.
func isPermanent(apiErr *telegoapi.Error) bool {
	if apiErr.ErrorCode == http.StatusTooManyRequests {
		return false
	}
	if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return false
	}
	return apiErr.ErrorCode >= 400 && apiErr.ErrorCode < 500
}

// RetryAfterExtractor создаёт throttle.WaitExtractor, извлекающий retry_after
// из ошибок Bot API. Серверный интервал соблюдается как есть: нулевое или
// отсутствующее значение отдаёт (0, false), и троттлер применит общий backoff.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var apiErr *telegoapi.Error
		if !errors.As(err, &apiErr) {
			return 0, false
		}
		if apiErr.Parameters == nil || apiErr.Parameters.RetryAfter <= 0 {
			return 0, false
		}
		return time.Duration(apiErr.Parameters.RetryAfter) * time.Second, true
	}
}
