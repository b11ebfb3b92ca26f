// runner.go — слот контекстов: цепочка Tab через переходы между страницами.
package tab

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/election"
)

// Runner — слот, последовательно запускающий контексты. Первый контекст
// начинает с канонической страницы; после перехода следующий
// загружается на странице назначения, после ошибки перехода — снова на
// канонической.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu          sync.RWMutex
	current     *Tab
	generations int
	started     bool
}

// NewRunner создаёт слот.
func NewRunner(cfg Config, deps Deps, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:  cfg,
		deps: deps,
		logger: logger.With(
			slog.String("component", "runner"),
			slog.Int("slot", cfg.Slot),
		),
	}
}

// Run запускает контексты до отмены ctx.
func (r *Runner) Run(ctx context.Context) error {
	location := r.cfg.CanonicalURL
	var handover string

	for {
		t := newTab(r.cfg, r.deps, location, handover, r.logger)
		handover = ""

		r.mu.Lock()
		r.current = t
		r.generations++
		r.started = true
		r.mu.Unlock()

		out := t.Run(ctx)

		switch out.Kind {
		case OutcomeStopped:
			return nil

		case OutcomeNavigated:
			location = out.Target
			handover = out.Handover

		case OutcomeNavigationFailed:
			location = r.cfg.CanonicalURL
			handover = out.Handover

		case OutcomeFailed:
			r.logger.Error("Контекст не запущен",
				slog.String("error", out.Err.Error()),
			)
			location = r.cfg.CanonicalURL
			handover = out.Handover
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.retryDelay()):
			}
		}
	}
}

// Status возвращает снимок текущего контекста слота.
func (r *Runner) Status() (Status, bool) {
	r.mu.RLock()
	t, gen := r.current, r.generations
	r.mu.RUnlock()
	if t == nil {
		return Status{Slot: r.cfg.Slot}, false
	}
	st := t.Status()
	st.Generation = gen
	return st, true
}

// Current возвращает текущий контекст (nil до запуска).
func (r *Runner) Current() *Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Generations возвращает число запущенных контекстов слота.
func (r *Runner) Generations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generations
}

// Started сообщает, запущен ли хотя бы один контекст.
func (r *Runner) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

func (r *Runner) retryDelay() time.Duration {
	if r.cfg.HeartbeatInterval > 0 {
		return r.cfg.HeartbeatInterval
	}
	return time.Second
}

// Pool — набор слотов процесса, соревнующихся за лидерство.
type Pool struct {
	runners []*Runner
	deps    Deps
}

// NewPool создаёт size слотов (минимум один) с общими зависимостями.
func NewPool(size int, cfg Config, deps Deps, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{deps: deps}
	for i := range size {
		slotCfg := cfg
		slotCfg.Slot = i
		p.runners = append(p.runners, NewRunner(slotCfg, deps, logger))
	}
	return p
}

// Run запускает все слоты и ждёт их завершения.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}

// Runners возвращает слоты пула.
func (p *Pool) Runners() []*Runner {
	return p.runners
}

// Statuses возвращает снимки всех запущенных слотов.
func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.runners))
	for _, r := range p.runners {
		if st, ok := r.Status(); ok {
			out = append(out, st)
		}
	}
	return out
}

// Leader возвращает контекст, который сейчас является leader.
func (p *Pool) Leader() (*Tab, bool) {
	for _, r := range p.runners {
		t := r.Current()
		if t == nil {
			continue
		}
		if t.Status().Role == election.RoleLeader {
			return t, true
		}
	}
	return nil, false
}

// Started сообщает, запущены ли все слоты.
func (p *Pool) Started() bool {
	for _, r := range p.runners {
		if !r.Started() {
			return false
		}
	}
	return true
}

// History возвращает историю перезагрузок процесса.
func (p *Pool) History() *History {
	return p.deps.History
}
