// Пакет tab — жизненный цикл контекста страницы.
//
// Tab соответствует одной загруженной странице: собственный клиент
// хранилища, выборы, планировщик и источник настроек. Tab живёт до
// перехода на другую страницу или остановки процесса; на каждом пути
// выхода запись leader освобождается, кроме перехода после повышения:
// тогда запись остаётся за идентификатором контекста, и Runner
// запускает следующий Tab с тем же идентификатором.
package tab

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/election"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/navigator"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/scheduler"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// releaseTimeout — таймаут освобождения записи leader при завершении.
const releaseTimeout = 5 * time.Second

// SoundReload — ключ звука уведомления о перезагрузке в настройках.
const SoundReload = "reload"

// OutcomeKind — причина завершения Tab.
type OutcomeKind string

const (
	// OutcomeStopped — процесс останавливается.
	OutcomeStopped OutcomeKind = "stopped"
	// OutcomeNavigated — переход выполнен.
	OutcomeNavigated OutcomeKind = "navigated"
	// OutcomeNavigationFailed — переход завершился ошибкой.
	OutcomeNavigationFailed OutcomeKind = "navigation_failed"
	// OutcomeFailed — Tab не удалось запустить.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome — результат работы Tab.
type Outcome struct {
	Kind   OutcomeKind
	Target string
	Err    error
	// Handover — идентификатор, под которым остаётся запись leader после
	// повышения. Следующий контекст слота запускается с ним и
	// подтверждает запись как self.
	Handover string
}

// Config — параметры контекстов одного слота.
type Config struct {
	// Slot — номер слота в пуле (для логов и статуса).
	Slot int
	// ClientName — имя локального клиента для адресных уведомлений.
	ClientName string
	// Origin — origin сайта; кандидаты разрешаются относительно него.
	Origin *url.URL
	// CanonicalURL — каноническая страница, с которой начинает каждый слот.
	CanonicalURL string
	// HeartbeatInterval — интервал heartbeat выборов.
	HeartbeatInterval time.Duration
	// ActivityCooldown — окно недавней активности пользователя.
	ActivityCooldown time.Duration
	// Defaults — начальные настройки.
	Defaults settings.Settings
	// Now — источник времени (nil — time.Now).
	Now func() time.Time
}

// Deps — общие для процесса зависимости.
type Deps struct {
	Backend   store.Backend
	Signals   *signals.Signals
	Control   *scheduler.Control
	Navigator navigator.Navigator
	Notifier  Notifier
	History   *History
}

// Status — снимок состояния контекста.
type Status struct {
	Slot int
	// Generation — порядковый номер контекста в слоте (с 1).
	Generation int
	TabID      string
	Location   string
	StartedAt  time.Time
	Role       election.Role
	LeaderID   string
	Scheduler  scheduler.Snapshot
	Settings   settings.Settings
}

type navRequest struct {
	target    string
	promotion bool
}

// Tab — контекст одной загруженной страницы.
type Tab struct {
	id        string
	inherited bool
	location  string
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
	navCh     chan navRequest

	mu       sync.RWMutex
	election *election.Election
	sched    *scheduler.Scheduler
	settings *settings.Provider
}

// New создаёт контекст на странице location с новым идентификатором UUIDv7.
func New(cfg Config, deps Deps, location string, logger *slog.Logger) *Tab {
	return newTab(cfg, deps, location, "", logger)
}

// newTab создаёт контекст с идентификатором handover, если он передан
// предыдущим контекстом слота.
func newTab(cfg Config, deps Deps, location, handover string, logger *slog.Logger) *Tab {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	id := handover
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	return &Tab{
		id:        id,
		inherited: handover != "",
		location:  location,
		cfg:       cfg,
		deps:      deps,
		logger: logger.With(
			slog.String("component", "tab"),
			slog.Int("slot", cfg.Slot),
			slog.String("tab_id", id),
		),
		startedAt: cfg.Now(),
		navCh:     make(chan navRequest, 1),
	}
}

// ID возвращает идентификатор контекста.
func (t *Tab) ID() string { return t.id }

// Location возвращает адрес страницы контекста.
func (t *Tab) Location() string { return t.location }

// Run запускает контекст и блокирует до перехода или отмены ctx.
func (t *Tab) Run(ctx context.Context) Outcome {
	st, err := t.deps.Backend.Open(t.id)
	if err != nil {
		out := Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("открытие клиента хранилища: %w", err)}
		if t.inherited {
			out.Handover = t.id
		}
		return out
	}
	defer func() {
		if err := st.Close(); err != nil {
			t.logger.Warn("Ошибка закрытия клиента хранилища",
				slog.String("error", err.Error()),
			)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	provider := settings.NewProvider(st, t.cfg.Defaults, t.logger)
	if _, err := provider.Load(runCtx); err != nil {
		t.logger.Warn("Ошибка загрузки настроек", slog.String("error", err.Error()))
	}
	go func() {
		if err := provider.Watch(runCtx); err != nil {
			t.logger.Warn("Отслеживание настроек недоступно", slog.String("error", err.Error()))
		}
	}()

	var el *election.Election
	sched := scheduler.New(scheduler.Deps{
		Leader:          leaderChecker{el: func() *election.Election { return el }},
		Env:             t.deps.Signals,
		Settings:        provider,
		Control:         t.deps.Control,
		Counter:         navigator.NewCounter(st),
		Origin:          t.cfg.Origin,
		OnCanonicalSite: t.onCanonicalSite,
		OnFire:          func(f scheduler.Fire) { t.onFire(runCtx, provider, f) },
	}, scheduler.Config{
		ActivityCooldown: t.cfg.ActivityCooldown,
		Now:              t.cfg.Now,
	}, t.logger)

	el = election.NewElection(st, election.Config{
		SelfID:            t.id,
		HeartbeatInterval: t.cfg.HeartbeatInterval,
		Now:               t.cfg.Now,
	}, func() {
		go sched.Run(runCtx)
	}, func() {
		t.request(navRequest{target: t.cfg.CanonicalURL, promotion: true})
	}, t.logger)

	t.mu.Lock()
	t.election = el
	t.sched = sched
	t.settings = provider
	t.mu.Unlock()

	handedOver := false
	defer func() {
		if !handedOver {
			t.release(el)
		}
	}()

	t.logger.Info("Контекст запущен",
		slog.String("location", t.location),
		slog.Bool("handover", t.inherited),
	)

	if err := el.Start(runCtx); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("запуск выборов: %w", err)}
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Контекст остановлен")
			return Outcome{Kind: OutcomeStopped}

		case req := <-t.navCh:
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeStopped}
			}
			if req.promotion && !t.waitOnline(ctx) {
				return Outcome{Kind: OutcomeStopped}
			}

			// Выгрузка страницы предшествует загрузке следующей
			cancel()
			sched.Close()
			var handover string
			if req.promotion {
				// Захваченная запись не обновляется до завершения перехода
				el.Stop()
				handedOver = true
				handover = t.id
			} else {
				t.release(el)
			}

			if err := t.deps.Navigator.Navigate(ctx, req.target); err != nil {
				if ctx.Err() != nil {
					handedOver = false
					return Outcome{Kind: OutcomeStopped}
				}
				t.logger.Warn("Переход не выполнен",
					slog.String("target", req.target),
					slog.String("error", err.Error()),
				)
				if !req.promotion && t.deps.History != nil {
					t.deps.History.SetError(t.id, err.Error())
				}
				return Outcome{Kind: OutcomeNavigationFailed, Target: req.target, Err: err, Handover: handover}
			}
			return Outcome{Kind: OutcomeNavigated, Target: req.target, Handover: handover}
		}
	}
}

// Status возвращает снимок состояния контекста.
func (t *Tab) Status() Status {
	st := Status{
		Slot:      t.cfg.Slot,
		TabID:     t.id,
		Location:  t.location,
		StartedAt: t.startedAt,
		Role:      election.RoleFollower,
	}

	t.mu.RLock()
	el, sched, provider := t.election, t.sched, t.settings
	t.mu.RUnlock()

	if el != nil {
		st.Role = el.CurrentRole()
		st.LeaderID = el.LeaderID()
	}
	if sched != nil {
		st.Scheduler = sched.Snapshot()
	} else {
		st.Scheduler = scheduler.Snapshot{State: scheduler.StateIdle}
	}
	if provider != nil {
		st.Settings = provider.Current()
	} else {
		st.Settings = t.cfg.Defaults.Clone()
	}
	return st
}

// Settings возвращает источник настроек контекста (nil до запуска).
func (t *Tab) Settings() *settings.Provider {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

func (t *Tab) onCanonicalSite() bool {
	u, err := url.Parse(t.location)
	if err != nil {
		return false
	}
	return u.Host == t.cfg.Origin.Host
}

// onFire вызывается из таймера планировщика.
func (t *Tab) onFire(ctx context.Context, provider *settings.Provider, f scheduler.Fire) {
	if t.deps.History != nil {
		t.deps.History.Add(Entry{
			Slot:      t.cfg.Slot,
			TabID:     t.id,
			Target:    f.Target,
			Candidate: f.Candidate,
			Count:     f.Count,
			At:        f.At,
		})
	}

	if t.deps.Notifier != nil && provider.IsTargeted(t.cfg.ClientName) {
		note := Notification{
			Client: t.cfg.ClientName,
			Target: f.Target,
			Count:  f.Count,
			Sound:  provider.Current().SoundURLs[SoundReload],
		}
		if err := t.deps.Notifier.Notify(ctx, note); err != nil {
			t.logger.Debug("Уведомление не доставлено", slog.String("error", err.Error()))
		}
	}

	t.request(navRequest{target: f.Target})
}

func (t *Tab) request(req navRequest) {
	select {
	case t.navCh <- req:
	default:
		t.logger.Debug("Переход уже запрошен", slog.String("target", req.target))
	}
}

// waitOnline ждёт восстановления связи. false — ctx отменён.
func (t *Tab) waitOnline(ctx context.Context) bool {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := t.deps.Signals.Subscribe(subCtx)

	if t.deps.Signals.Online() {
		return true
	}
	t.logger.Info("Переход на каноническую страницу отложен до восстановления связи")

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Kind == signals.EventOnline {
				return true
			}
		}
	}
}

func (t *Tab) release(el *election.Election) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := el.Release(ctx); err != nil {
		t.logger.Warn("Ошибка освобождения лидерства", slog.String("error", err.Error()))
	}
}

// leaderChecker откладывает обращение к выборам: планировщик создаётся
// раньше выборов, коллбэк которых его запускает.
type leaderChecker struct {
	el func() *election.Election
}

func (l leaderChecker) IsLeader() bool {
	el := l.el()
	return el != nil && el.IsLeader()
}
