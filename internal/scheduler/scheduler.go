// Пакет scheduler — планировщик периодических перезагрузок leader.
//
// Конечный автомат: idle → armed → (fired | cancelled) → idle.
// В каждый момент не более одного ожидающего таймера; устаревшие
// коллбэки таймера отсекаются счётчиком поколений. Условия запуска
// (leader, сеть, каноническая страница, непустой список страниц,
// отсутствие паузы и отключения) проверяются при каждом Arm и повторно
// в момент срабатывания.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/navigator"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
)

// DefaultActivityCooldown — окно после активности пользователя, в
// течение которого перезагрузка откладывается.
const DefaultActivityCooldown = 60 * time.Second

// State — состояние планировщика.
type State string

const (
	// StateIdle — таймера нет.
	StateIdle State = "idle"
	// StateArmed — таймер ожидает срабатывания.
	StateArmed State = "armed"
)

// Blocker — причина, по которой Arm оставил планировщик в idle.
type Blocker string

const (
	BlockedNone         Blocker = ""
	BlockedNotLeader    Blocker = "not_leader"
	BlockedOffline      Blocker = "offline"
	BlockedOffCanonical Blocker = "off_canonical"
	BlockedNoCandidates Blocker = "no_candidates"
	BlockedPaused       Blocker = "paused"
	BlockedDisabled     Blocker = "disabled"
	BlockedClosed       Blocker = "closed"
)

// LeaderChecker — проверка лидерства контекста.
type LeaderChecker interface {
	IsLeader() bool
}

// Environment — сигналы окружения.
type Environment interface {
	Online() bool
	LastActivity() time.Time
	Subscribe(ctx context.Context) <-chan signals.Event
}

// SettingsSource — источник настроек.
type SettingsSource interface {
	Current() settings.Settings
	Subscribe(ctx context.Context) <-chan settings.Settings
}

// ReloadCounter — счётчик выполненных перезагрузок.
type ReloadCounter interface {
	Increment(ctx context.Context) (int64, error)
}

// Fire — выполненная перезагрузка.
type Fire struct {
	// Target — адрес перехода.
	Target string
	// Candidate — выбранный кандидат из настроек.
	Candidate string
	// Count — значение счётчика после увеличения (0 при ошибке записи).
	Count int64
	// At — момент срабатывания.
	At time.Time
}

// Deps — зависимости планировщика.
type Deps struct {
	Leader   LeaderChecker
	Env      Environment
	Settings SettingsSource
	Control  *Control
	Counter  ReloadCounter
	// Origin — origin сайта, относительно которого разрешаются кандидаты.
	Origin *url.URL
	// OnCanonicalSite — находится ли контекст на канонической странице сайта.
	OnCanonicalSite func() bool
	// OnFire — выполняет переход. Вызывается не более одного раза.
	OnFire func(Fire)
}

// Config — параметры планировщика.
type Config struct {
	// ActivityCooldown — окно откладывания после активности (по умолчанию 60s).
	ActivityCooldown time.Duration
	// Now — источник времени; nil означает time.Now.
	Now func() time.Time
	// Rand — генератор для задержки и выбора страницы; nil — глобальный.
	Rand *rand.Rand
}

// Snapshot — состояние планировщика для API.
type Snapshot struct {
	State      State
	ArmedUntil time.Time
	Delay      time.Duration
	BlockedBy  Blocker
	Fired      bool
	LastFire   *Fire
}

// Scheduler — планировщик перезагрузок одного контекста.
type Scheduler struct {
	deps     Deps
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	state      State
	armedUntil time.Time
	delay      time.Duration
	timer      *time.Timer
	gen        uint64
	blockedBy  Blocker
	fired      bool
	closed     bool
	lastFire   *Fire
}

// New создаёт планировщик в состоянии idle.
func New(deps Deps, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ActivityCooldown <= 0 {
		cfg.ActivityCooldown = DefaultActivityCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.OnCanonicalSite == nil {
		deps.OnCanonicalSite = func() bool { return true }
	}
	return &Scheduler{
		deps:     deps,
		cooldown: cfg.ActivityCooldown,
		now:      cfg.Now,
		rng:      cfg.Rand,
		logger:   logger.With(slog.String("component", "scheduler")),
		state:    StateIdle,
	}
}

// Arm отменяет ожидающий таймер и, если условия выполнены, взводит
// новый со случайной задержкой из [MinDelay, MaxDelay]. Возвращает
// true, если таймер взведён.
func (s *Scheduler) Arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armLocked()
}

// Cancel сбрасывает ожидающий таймер. Идемпотентен.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Close переводит планировщик в конечное состояние: таймер сброшен,
// последующие Arm ничего не делают.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.closed = true
}

// State возвращает текущее состояние.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot возвращает снимок состояния.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:      s.state,
		ArmedUntil: s.armedUntil,
		Delay:      s.delay,
		BlockedBy:  s.blockedBy,
		Fired:      s.fired,
	}
	if s.lastFire != nil {
		f := *s.lastFire
		snap.LastFire = &f
	}
	return snap
}

// Run обрабатывает события окружения, настроек и переопределений до
// отмены ctx, затем закрывает планировщик. Подписки оформляются до
// первого Arm, поэтому переходы не теряются.
func (s *Scheduler) Run(ctx context.Context) {
	envCh := s.deps.Env.Subscribe(ctx)
	settingsCh := s.deps.Settings.Subscribe(ctx)
	var controlCh <-chan ControlEvent
	if s.deps.Control != nil {
		controlCh = s.deps.Control.Subscribe(ctx)
	}

	s.safe("start", func() { s.Arm() })

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return

		case ev, ok := <-envCh:
			if !ok {
				envCh = nil
				continue
			}
			s.safe("signals", func() { s.onSignal(ev) })

		case _, ok := <-settingsCh:
			if !ok {
				settingsCh = nil
				continue
			}
			s.safe("settings", func() {
				s.logger.Debug("Настройки изменились, перевзвод")
				s.Arm()
			})

		case ev, ok := <-controlCh:
			if !ok {
				controlCh = nil
				continue
			}
			s.safe("control", func() { s.onControl(ev) })
		}
	}
}

func (s *Scheduler) onSignal(ev signals.Event) {
	switch ev.Kind {
	case signals.EventActivity:
		s.restartIfArmed()
	case signals.EventOnline:
		s.Arm()
	case signals.EventOffline:
		s.Cancel()
	}
}

func (s *Scheduler) onControl(ev ControlEvent) {
	switch ev {
	case ControlPaused, ControlDisabled:
		s.suppress()
	case ControlResumed, ControlEnabled:
		s.Arm()
	}
}

// restartIfArmed перезапускает отсчёт, только если таймер взведён.
func (s *Scheduler) restartIfArmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateArmed {
		s.armLocked()
	}
}

// suppress сбрасывает таймер и запоминает причину подавления.
func (s *Scheduler) suppress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.blockedBy = s.gateLocked()
}

// gateLocked проверяет условия запуска. Возвращает первую нарушенную.
func (s *Scheduler) gateLocked() Blocker {
	if s.closed || s.fired {
		return BlockedClosed
	}
	if s.deps.Control != nil {
		if reason := s.deps.Control.Suppressed(); reason != "" {
			return Blocker(reason)
		}
	}
	if !s.deps.Leader.IsLeader() {
		return BlockedNotLeader
	}
	if !s.deps.Env.Online() {
		return BlockedOffline
	}
	if !s.deps.OnCanonicalSite() {
		return BlockedOffCanonical
	}
	if len(s.deps.Settings.Current().PageCandidates) == 0 {
		return BlockedNoCandidates
	}
	return BlockedNone
}

func (s *Scheduler) armLocked() bool {
	s.cancelLocked()

	if reason := s.gateLocked(); reason != BlockedNone {
		s.blockedBy = reason
		armsTotal.WithLabelValues("blocked").Inc()
		s.logger.Debug("Планировщик не взведён",
			slog.String("blocked_by", string(reason)),
		)
		return false
	}

	cur := s.deps.Settings.Current()
	delay := SampleDelay(s.rng, cur.MinDelay, cur.MaxDelay)

	s.gen++
	gen := s.gen
	s.state = StateArmed
	s.delay = delay
	s.armedUntil = s.now().Add(delay)
	s.blockedBy = BlockedNone
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })

	armsTotal.WithLabelValues("armed").Inc()
	delaySeconds.Observe(delay.Seconds())
	s.logger.Debug("Планировщик взведён",
		slog.String("delay", delay.String()),
		slog.Time("armed_until", s.armedUntil),
	)
	return true
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Коллбэк, уже ожидающий мьютекс, увидит другое поколение
	s.gen++
	s.state = StateIdle
	s.armedUntil = time.Time{}
	s.delay = 0
}

// fire — коллбэк таймера.
func (s *Scheduler) fire(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic в срабатывании планировщика",
				slog.Any("panic", r),
			)
		}
	}()

	f, ok := s.claimFire(gen)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	count, err := s.deps.Counter.Increment(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("Не удалось увеличить счётчик перезагрузок",
			slog.String("error", err.Error()),
		)
	}
	f = s.recordCount(count)

	firesTotal.Inc()
	s.logger.Info("Перезагрузка",
		slog.String("target", f.Target),
		slog.Int64("reload_count", count),
	)

	if s.deps.OnFire != nil {
		s.deps.OnFire(f)
	}
}

// claimFire перепроверяет условия в момент срабатывания. false означает,
// что таймер устарел, срабатывание отложено или перевзведено.
func (s *Scheduler) claimFire(gen uint64) (Fire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != StateArmed {
		return Fire{}, false
	}
	s.timer = nil
	s.state = StateIdle
	s.armedUntil = time.Time{}

	switch reason := s.gateLocked(); reason {
	case BlockedNone:
	case BlockedNoCandidates:
		// До следующего изменения настроек
		s.blockedBy = reason
		deferralsTotal.WithLabelValues(string(reason)).Inc()
		return Fire{}, false
	default:
		deferralsTotal.WithLabelValues(string(reason)).Inc()
		s.armLocked()
		return Fire{}, false
	}

	now := s.now()
	if last := s.deps.Env.LastActivity(); !last.IsZero() && now.Sub(last) <= s.cooldown {
		deferralsTotal.WithLabelValues("activity").Inc()
		s.logger.Debug("Перезагрузка отложена: недавняя активность пользователя",
			slog.String("elapsed", now.Sub(last).String()),
		)
		s.armLocked()
		return Fire{}, false
	}

	candidates := s.deps.Settings.Current().PageCandidates
	candidate := candidates[s.intN(len(candidates))]
	target, err := navigator.Resolve(s.deps.Origin, candidate)
	if err != nil {
		deferralsTotal.WithLabelValues("bad_candidate").Inc()
		s.logger.Warn("Некорректный кандидат страницы, перевзвод",
			slog.String("candidate", candidate),
			slog.String("error", err.Error()),
		)
		s.armLocked()
		return Fire{}, false
	}

	s.fired = true
	s.blockedBy = BlockedClosed
	s.lastFire = &Fire{Target: target, Candidate: candidate, At: now}
	return *s.lastFire, true
}

func (s *Scheduler) recordCount(count int64) Fire {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFire.Count = count
	return *s.lastFire
}

func (s *Scheduler) intN(n int) int {
	if s.rng != nil {
		return s.rng.IntN(n)
	}
	return rand.IntN(n)
}

func (s *Scheduler) safe(handler string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic в обработчике планировщика",
				slog.String("handler", handler),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// SampleDelay возвращает равномерно распределённую задержку из
// [minDelay, maxDelay] включительно с точностью до миллисекунды.
// При minDelay > maxDelay верхняя граница поднимается до нижней.
func SampleDelay(rng *rand.Rand, minDelay, maxDelay time.Duration) time.Duration {
	if minDelay < 0 {
		minDelay = 0
	}
	maxDelay = max(minDelay, maxDelay)

	span := int64((maxDelay - minDelay) / time.Millisecond)
	if span <= 0 {
		return minDelay
	}
	var n int64
	if rng != nil {
		n = rng.Int64N(span + 1)
	} else {
		n = rand.Int64N(span + 1)
	}
	return minDelay + time.Duration(n)*time.Millisecond
}
