package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/navigator"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/memory"
)

// newTestLogger создаёт логгер для тестов.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeLeader — управляемая роль.
type fakeLeader struct{ v atomic.Bool }

func (f *fakeLeader) IsLeader() bool { return f.v.Load() }

// fakeSettings — источник настроек с ручным обновлением.
type fakeSettings struct {
	mu   sync.Mutex
	cur  settings.Settings
	subs []chan settings.Settings
}

func newFakeSettings(pages []string, minDelay, maxDelay time.Duration) *fakeSettings {
	return &fakeSettings{cur: settings.Settings{PageCandidates: pages, MinDelay: minDelay, MaxDelay: maxDelay}}
}

func (f *fakeSettings) Current() settings.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.Clone()
}

func (f *fakeSettings) Subscribe(ctx context.Context) <-chan settings.Settings {
	ch := make(chan settings.Settings, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeSettings) Set(pages []string) {
	f.mu.Lock()
	f.cur.PageCandidates = pages
	next := f.cur.Clone()
	subs := append([]chan settings.Settings(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- next
	}
}

// clock — управляемое время.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	leader   *fakeLeader
	signals  *signals.Signals
	settings *fakeSettings
	control  *Control
	backend  *memory.Backend
	fires    chan Fire
	sched    *Scheduler
	clock    *clock
}

func newHarness(t *testing.T, pages []string, minDelay, maxDelay time.Duration) *harness {
	t.Helper()

	h := &harness{
		leader:   &fakeLeader{},
		settings: newFakeSettings(pages, minDelay, maxDelay),
		backend:  memory.New(),
		fires:    make(chan Fire, 16),
		clock:    newClock(),
	}
	h.leader.v.Store(true)
	h.signals = signals.New(true, h.clock.Now)
	h.control = NewControl(time.Hour, h.clock.Now, newTestLogger())

	origin, _ := url.Parse("https://example.com/")
	h.sched = New(Deps{
		Leader:   h.leader,
		Env:      h.signals,
		Settings: h.settings,
		Control:  h.control,
		Counter:  navigator.NewCounter(h.backend.Client("ctx")),
		Origin:   origin,
		OnFire:   func(f Fire) { h.fires <- f },
	}, Config{
		Now:  h.clock.Now,
		Rand: rand.New(rand.NewPCG(1, 2)),
	}, newTestLogger())

	t.Cleanup(func() {
		h.sched.Close()
		h.control.Close()
		_ = h.backend.Close()
	})
	return h
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Состояние %s не достигнуто, текущее %s", want, s.State())
}

// TestSampleDelay_Bounds — 1000 задержек в [30s, 180s].
func TestSampleDelay_Bounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	minDelay, maxDelay := 30*time.Second, 180*time.Second

	var sawLow, sawHigh bool
	for i := 0; i < 1000; i++ {
		d := SampleDelay(rng, minDelay, maxDelay)
		if d < minDelay || d > maxDelay {
			t.Fatalf("Задержка %v вне [%v, %v]", d, minDelay, maxDelay)
		}
		if d < 60*time.Second {
			sawLow = true
		}
		if d > 150*time.Second {
			sawHigh = true
		}
	}
	if !sawLow || !sawHigh {
		t.Error("Задержки распределены не по всему интервалу")
	}
}

// TestSampleDelay_Degenerate — равные и перевёрнутые границы.
func TestSampleDelay_Degenerate(t *testing.T) {
	if d := SampleDelay(nil, 40*time.Second, 40*time.Second); d != 40*time.Second {
		t.Errorf("Ожидалось 40s, получено %v", d)
	}
	if d := SampleDelay(nil, 50*time.Second, 10*time.Second); d != 50*time.Second {
		t.Errorf("При min > max ожидалось 50s, получено %v", d)
	}
}

// TestArm_Gating — Arm при нарушенном условии оставляет idle.
func TestArm_Gating(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  Blocker
	}{
		{"не leader", func(h *harness) { h.leader.v.Store(false) }, BlockedNotLeader},
		{"offline", func(h *harness) { h.signals.SetOnline(false) }, BlockedOffline},
		{"пустой список", func(h *harness) { h.settings.Set(nil) }, BlockedNoCandidates},
		{"пауза", func(h *harness) { h.control.Pause() }, BlockedPaused},
		{"отключено", func(h *harness) { h.control.SetDisabled(true) }, BlockedDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"/a"}, time.Hour, time.Hour)
			tt.setup(h)

			if h.sched.Arm() {
				t.Fatal("Arm не должен взводить таймер")
			}
			snap := h.sched.Snapshot()
			if snap.State != StateIdle || !snap.ArmedUntil.IsZero() {
				t.Errorf("Ожидалось idle без armedUntil, получено %+v", snap)
			}
			if snap.BlockedBy != tt.want {
				t.Errorf("Ожидалась причина %s, получена %s", tt.want, snap.BlockedBy)
			}
		})
	}
}

// TestArm_ArmedUntil — взведённый таймер с моментом срабатывания в границах.
func TestArm_ArmedUntil(t *testing.T) {
	h := newHarness(t, []string{"/a"}, 30*time.Second, 180*time.Second)

	if !h.sched.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}
	snap := h.sched.Snapshot()
	if snap.State != StateArmed {
		t.Fatalf("Ожидалось armed, получено %s", snap.State)
	}
	wait := snap.ArmedUntil.Sub(h.clock.Now())
	if wait < 30*time.Second || wait > 180*time.Second {
		t.Errorf("armedUntil через %v вне границ", wait)
	}

	// Повторный Arm заменяет таймер, а не добавляет второй
	if !h.sched.Arm() {
		t.Fatal("Повторный Arm должен взвести таймер")
	}
	h.sched.Cancel()
	h.sched.Cancel()
	if h.sched.State() != StateIdle {
		t.Error("Cancel должен вернуть idle")
	}
}

// TestRun_RestoringGateArms — снятие блокировки сразу взводит таймер.
func TestRun_RestoringGateArms(t *testing.T) {
	tests := []struct {
		name    string
		block   func(h *harness)
		unblock func(h *harness)
	}{
		{"сеть", func(h *harness) { h.signals.SetOnline(false) }, func(h *harness) { h.signals.SetOnline(true) }},
		{"список страниц", func(h *harness) { h.settings.Set(nil) }, func(h *harness) { h.settings.Set([]string{"/b"}) }},
		{"пауза", func(h *harness) { h.control.Pause() }, func(h *harness) { h.control.Resume() }},
		{"отключение", func(h *harness) { h.control.SetDisabled(true) }, func(h *harness) { h.control.SetDisabled(false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"/a"}, time.Hour, time.Hour)
			tt.block(h)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go h.sched.Run(ctx)

			time.Sleep(20 * time.Millisecond)
			if h.sched.State() != StateIdle {
				t.Fatalf("Ожидалось idle при блокировке, получено %s", h.sched.State())
			}

			tt.unblock(h)
			waitState(t, h.sched, StateArmed)
		})
	}
}

// TestRun_OfflineCancels — переход в offline сбрасывает таймер,
// активность в idle не взводит его.
func TestRun_OfflineCancels(t *testing.T) {
	h := newHarness(t, []string{"/a"}, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.Run(ctx)

	waitState(t, h.sched, StateArmed)

	h.signals.SetOnline(false)
	waitState(t, h.sched, StateIdle)

	h.signals.RecordActivity()
	time.Sleep(20 * time.Millisecond)
	if h.sched.State() != StateIdle {
		t.Error("Активность не должна взводить планировщик в idle")
	}

	h.control.Pause()
	h.signals.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if h.sched.State() != StateIdle {
		t.Error("Пауза должна подавлять взвод при восстановлении сети")
	}
}

// TestRun_ActivityRearms — активность при взведённом таймере перевзводит его.
func TestRun_ActivityRearms(t *testing.T) {
	h := newHarness(t, []string{"/a"}, time.Hour, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.Run(ctx)
	waitState(t, h.sched, StateArmed)

	before := h.sched.Snapshot().ArmedUntil

	h.clock.Advance(time.Minute)
	h.signals.RecordActivity()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := h.sched.Snapshot(); snap.State == StateArmed && !snap.ArmedUntil.Equal(before) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Активность не перевзвела таймер")
}

// TestRun_OnlineAfterActivityBurst — восстановление сети после всплеска
// активности взводит таймер.
func TestRun_OnlineAfterActivityBurst(t *testing.T) {
	h := newHarness(t, []string{"/a"}, time.Hour, time.Hour)
	h.signals.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for h.sched.Snapshot().BlockedBy != BlockedOffline {
		if time.Now().After(deadline) {
			t.Fatalf("Ожидалась блокировка offline, получено %q", h.sched.Snapshot().BlockedBy)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for range 5000 {
		h.signals.RecordActivity()
	}
	h.signals.SetOnline(true)

	waitState(t, h.sched, StateArmed)
}

// flakyLeader — проверка лидерства, которая паникует по требованию.
type flakyLeader struct{ broken atomic.Bool }

func (f *flakyLeader) IsLeader() bool {
	if f.broken.Load() {
		panic("состояние выборов недоступно")
	}
	return true
}

// stateWithin возвращает состояние или проваливает тест, если мьютекс
// планировщика остался захваченным.
func stateWithin(t *testing.T, s *Scheduler) State {
	t.Helper()
	got := make(chan State, 1)
	go func() { got <- s.State() }()
	select {
	case st := <-got:
		return st
	case <-time.After(time.Second):
		t.Fatal("State() заблокирован: мьютекс не освобождён после panic")
	}
	return ""
}

// TestScheduler_PanicInDependency — panic зависимости превращается в
// пропущенный тик, планировщик продолжает работать.
func TestScheduler_PanicInDependency(t *testing.T) {
	leader := &flakyLeader{}
	sig := signals.New(true, nil)
	backend := memory.New()
	defer backend.Close()

	origin, _ := url.Parse("https://example.com/")
	fires := make(chan Fire, 1)
	cfg := newFakeSettings([]string{"/a"}, time.Hour, time.Hour)
	s := New(Deps{
		Leader:   leader,
		Env:      sig,
		Settings: cfg,
		Counter:  navigator.NewCounter(backend.Client("ctx")),
		Origin:   origin,
		OnFire:   func(f Fire) { fires <- f },
	}, Config{}, newTestLogger())
	defer s.Close()

	if !s.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}

	// Активность при взведённом таймере
	leader.broken.Store(true)
	s.safe("signals", func() { s.onSignal(signals.Event{Kind: signals.EventActivity}) })
	if st := stateWithin(t, s); st != StateIdle {
		t.Errorf("Ожидалось idle после пропущенного тика, получено %s", st)
	}

	// Пауза
	s.safe("control", func() { s.onControl(ControlPaused) })
	stateWithin(t, s)

	// Срабатывание таймера
	leader.broken.Store(false)
	cfg.mu.Lock()
	cfg.cur.MinDelay, cfg.cur.MaxDelay = 30*time.Millisecond, 30*time.Millisecond
	cfg.mu.Unlock()
	if !s.Arm() {
		t.Fatal("Arm должен взвести таймер после восстановления")
	}
	leader.broken.Store(true)
	time.Sleep(80 * time.Millisecond)
	stateWithin(t, s)

	leader.broken.Store(false)
	if !s.Arm() {
		t.Fatal("Планировщик должен продолжить работу после panic")
	}
	select {
	case f := <-fires:
		if f.Target != "https://example.com/a" {
			t.Errorf("Неожиданный адрес %s", f.Target)
		}
	case <-time.After(time.Second):
		t.Fatal("Срабатывание после восстановления не произошло")
	}
}

// TestFire_Navigates — срабатывание увеличивает счётчик и вызывает переход.
func TestFire_Navigates(t *testing.T) {
	h := newHarness(t, []string{"/news", "/sport"}, 10*time.Millisecond, 20*time.Millisecond)

	if !h.sched.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}

	select {
	case f := <-h.fires:
		if f.Target != "https://example.com/news" && f.Target != "https://example.com/sport" {
			t.Errorf("Неожиданный адрес %s", f.Target)
		}
		if f.Count != 1 {
			t.Errorf("Ожидался счётчик 1, получен %d", f.Count)
		}
	case <-time.After(time.Second):
		t.Fatal("Перезагрузка не выполнена")
	}

	snap := h.sched.Snapshot()
	if snap.State != StateIdle || !snap.Fired || snap.LastFire == nil {
		t.Errorf("Неожиданное состояние после срабатывания: %+v", snap)
	}

	// После срабатывания перевзвод не выполняется
	if h.sched.Arm() {
		t.Error("Arm после срабатывания не должен взводить таймер")
	}
	raw, _ := h.backend.Raw(store.KeyReloadCount)
	if string(raw) != "1" {
		t.Errorf("reloadCount = %q, ожидалось 1", raw)
	}
}

// TestFire_ActivityDeferral — недавняя активность откладывает переход.
func TestFire_ActivityDeferral(t *testing.T) {
	h := newHarness(t, []string{"/a"}, 5*time.Millisecond, 10*time.Millisecond)

	h.signals.RecordActivity()
	h.clock.Advance(59 * time.Second)

	if !h.sched.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}

	select {
	case f := <-h.fires:
		t.Fatalf("Переход в окне активности: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
	if h.sched.State() != StateArmed {
		t.Errorf("После откладывания ожидалось armed, получено %s", h.sched.State())
	}

	// Ровно на границе окна переход всё ещё откладывается
	h.clock.Advance(time.Second)
	select {
	case f := <-h.fires:
		t.Fatalf("Переход на границе окна: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	h.clock.Advance(time.Millisecond)
	select {
	case <-h.fires:
	case <-time.After(time.Second):
		t.Fatal("Переход не выполнен после окна активности")
	}
}

// TestFire_GateFailsAtFireTime — offline к моменту срабатывания: idle без перехода.
func TestFire_GateFailsAtFireTime(t *testing.T) {
	h := newHarness(t, []string{"/a"}, 30*time.Millisecond, 30*time.Millisecond)

	if !h.sched.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}
	// Без Run: событие offline никто не обрабатывает, проверка при срабатывании
	h.signals.SetOnline(false)

	select {
	case f := <-h.fires:
		t.Fatalf("Переход при offline: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
	snap := h.sched.Snapshot()
	if snap.State != StateIdle || snap.BlockedBy != BlockedOffline {
		t.Errorf("Ожидалось idle/offline, получено %+v", snap)
	}
}

// TestFire_EmptyCandidatesAtFireTime — пустой список к моменту срабатывания.
func TestFire_EmptyCandidatesAtFireTime(t *testing.T) {
	h := newHarness(t, []string{"/a"}, 30*time.Millisecond, 30*time.Millisecond)

	if !h.sched.Arm() {
		t.Fatal("Arm должен взвести таймер")
	}
	h.settings.mu.Lock()
	h.settings.cur.PageCandidates = nil
	h.settings.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	snap := h.sched.Snapshot()
	if snap.State != StateIdle || snap.BlockedBy != BlockedNoCandidates {
		t.Errorf("Ожидалось idle/no_candidates, получено %+v", snap)
	}
	if len(h.fires) != 0 {
		t.Error("Переход не должен выполняться")
	}
}

// TestCancel_StaleTimer — отменённый таймер не срабатывает.
func TestCancel_StaleTimer(t *testing.T) {
	h := newHarness(t, []string{"/a"}, 20*time.Millisecond, 20*time.Millisecond)

	h.sched.Arm()
	h.sched.Cancel()

	select {
	case f := <-h.fires:
		t.Fatalf("Отменённый таймер сработал: %+v", f)
	case <-time.After(80 * time.Millisecond):
	}
}

// TestFire_CounterMonotonic — K срабатываний в разных контекстах дают +K.
func TestFire_CounterMonotonic(t *testing.T) {
	b := memory.New()
	defer b.Close()
	b.PutRaw(store.KeyReloadCount, []byte("7"))

	origin, _ := url.Parse("https://example.com/")
	const k = 5

	for i := 0; i < k; i++ {
		fired := make(chan Fire, 1)
		leader := &fakeLeader{}
		leader.v.Store(true)
		s := New(Deps{
			Leader:   leader,
			Env:      signals.New(true, nil),
			Settings: newFakeSettings([]string{"/a"}, time.Millisecond, 2*time.Millisecond),
			Counter:  navigator.NewCounter(b.Client("ctx")),
			Origin:   origin,
			OnFire:   func(f Fire) { fired <- f },
		}, Config{}, newTestLogger())

		s.Arm()
		select {
		case f := <-fired:
			if f.Count != int64(8+i) {
				t.Errorf("Срабатывание %d: счётчик %d, ожидалось %d", i, f.Count, 8+i)
			}
		case <-time.After(time.Second):
			t.Fatalf("Срабатывание %d не выполнено", i)
		}
		s.Close()
	}

	raw, _ := b.Raw(store.KeyReloadCount)
	if strings.TrimSpace(string(raw)) != "12" {
		t.Errorf("reloadCount = %q, ожидалось 12", raw)
	}
}
