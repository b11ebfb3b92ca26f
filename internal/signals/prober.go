// prober.go — фоновая проверка доступности сети HTTP-запросом к сайту.
//
// Любой HTTP-ответ (включая 4xx/5xx) означает, что сеть доступна;
// ошибка транспорта или таймаут — что недоступна. Результат пишется
// в Signals, ручная установка состояния через API перезаписывается
// следующей проверкой.
package signals

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProbeResult — результат одной проверки.
type ProbeResult struct {
	// Online — сеть доступна.
	Online bool
	// StatusCode — код ответа (0 при ошибке транспорта).
	StatusCode int
	// Err — ошибка транспорта.
	Err error
	// Duration — длительность проверки.
	Duration time.Duration
}

// Prober — периодическая проверка доступности сети.
type Prober struct {
	signals  *Signals
	client   *http.Client
	url      string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber создаёт проверку доступности url с периодом interval.
// client == nil означает http.Client с таймаутом interval.
func NewProber(
	signals *Signals,
	client *http.Client,
	url string,
	interval time.Duration,
	logger *slog.Logger,
) *Prober {
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	return &Prober{
		signals:  signals,
		client:   client,
		url:      url,
		interval: interval,
		logger:   logger.With(slog.String("component", "prober")),
	}
}

// Start запускает фоновую горутину проверки. Первая проверка — сразу.
func (p *Prober) Start(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(probeCtx)

	p.logger.Info("Проверка доступности сети запущена",
		slog.String("url", p.url),
		slog.String("interval", p.interval.String()),
	)
}

// Stop останавливает проверку и дожидается завершения горутины.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("Проверка доступности сети остановлена")
}

// run — основной цикл фоновой горутины.
func (p *Prober) run(ctx context.Context) {
	defer close(p.done)

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет одну проверку и обновляет Signals.
func (p *Prober) RunOnce(ctx context.Context) *ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &ProbeResult{}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		result.Err = err
	} else {
		resp, err := p.client.Do(req)
		if err != nil {
			result.Err = err
		} else {
			_ = resp.Body.Close()
			result.Online = true
			result.StatusCode = resp.StatusCode
		}
	}
	result.Duration = time.Since(start)
	probeDurationSeconds.Observe(result.Duration.Seconds())

	// Отмена контекста при остановке не означает потерю сети
	if ctx.Err() != nil {
		return result
	}

	if p.signals.SetOnline(result.Online) {
		attrs := []any{slog.Bool("online", result.Online)}
		if result.Err != nil {
			attrs = append(attrs, slog.String("error", result.Err.Error()))
		}
		p.logger.Info("Состояние сети изменилось", attrs...)
	}

	return result
}
