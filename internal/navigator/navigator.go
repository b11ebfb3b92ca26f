// Пакет navigator — переход контекста на страницу и счётчик перезагрузок.
//
// Переход выполняется HTTP GET целевого URL; тело ответа вычитывается и
// отбрасывается. Ответ 2xx/3xx — успех, остальные коды и ошибки
// транспорта — ошибка перехода. Переход в любом случае завершает
// текущий контекст: восстановление выполняет следующий контекст.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// DefaultTimeout — таймаут перехода по умолчанию.
const DefaultTimeout = 15 * time.Second

// Prometheus метрики переходов
var (
	// navigationsTotal — переходы по результату (ok, error).
	navigationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_navigations_total",
		Help: "Количество переходов на страницы",
	}, []string{"result"})

	// navigationDurationSeconds — длительность перехода.
	navigationDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rc_navigation_duration_seconds",
		Help:    "Длительность перехода на страницу в секундах",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Navigator — примитив перехода.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// HTTPNavigator — переход через HTTP GET.
type HTTPNavigator struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTPNavigator создаёт навигатор. client == nil означает http.Client
// с таймаутом DefaultTimeout.
func NewHTTPNavigator(client *http.Client, userAgent string, logger *slog.Logger) *HTTPNavigator {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPNavigator{
		client:    client,
		userAgent: userAgent,
		logger:    logger.With(slog.String("component", "navigator")),
	}
}

// Navigate выполняет GET target.
func (n *HTTPNavigator) Navigate(ctx context.Context, target string) error {
	start := time.Now()
	err := n.do(ctx, target)
	navigationDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		navigationsTotal.WithLabelValues("error").Inc()
		return err
	}
	navigationsTotal.WithLabelValues("ok").Inc()
	n.logger.Debug("Переход выполнен",
		slog.String("url", target),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (n *HTTPNavigator) do(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("некорректный адрес перехода %q: %w", target, err)
	}
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("переход на %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("переход на %s: HTTP %d", target, resp.StatusCode)
	}
	return nil
}

// Resolve строит адрес перехода: кандидат разрешается относительно
// origin сайта. Абсолютный URL другого хоста не допускается.
func Resolve(origin *url.URL, candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", fmt.Errorf("пустой кандидат")
	}
	ref, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("некорректный кандидат %q: %w", candidate, err)
	}
	target := origin.ResolveReference(ref)
	if target.Host != origin.Host {
		return "", fmt.Errorf("кандидат %q ведёт на другой хост %s", candidate, target.Host)
	}
	return target.String(), nil
}

// Counter — счётчик выполненных перезагрузок в общем хранилище.
type Counter struct {
	store store.Store
}

// NewCounter создаёт счётчик поверх клиента хранилища.
func NewCounter(st store.Store) *Counter {
	return &Counter{store: st}
}

// Increment атомарно увеличивает reloadCount и возвращает новое значение.
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	n, err := c.store.Incr(ctx, store.KeyReloadCount)
	if err != nil {
		return 0, fmt.Errorf("увеличение счётчика перезагрузок: %w", err)
	}
	return n, nil
}

// Value возвращает текущее значение счётчика (0, если ключа нет).
func (c *Counter) Value(ctx context.Context) (int64, error) {
	raw, err := c.store.Get(ctx, store.KeyReloadCount)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("чтение счётчика перезагрузок: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ Navigator = (*HTTPNavigator)(nil)
