// control.go — пользовательские переопределения планировщика: пауза с
// автоматическим снятием и отключение автоперезагрузки.
//
// Control один на процесс, общий для всех слотов (Runner), и переживает
// переходы между страницами. Отключение сильнее паузы: пока оно действует,
// автоматическое снятие паузы не срабатывает.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/mailbox"
)

// DefaultPauseTimeout — время до автоматического снятия паузы.
const DefaultPauseTimeout = 30 * time.Minute

// ControlEvent — изменение переопределений.
type ControlEvent string

const (
	// ControlPaused — пауза включена.
	ControlPaused ControlEvent = "paused"
	// ControlResumed — пауза снята (вручную или автоматически).
	ControlResumed ControlEvent = "resumed"
	// ControlDisabled — автоперезагрузка отключена.
	ControlDisabled ControlEvent = "disabled"
	// ControlEnabled — автоперезагрузка включена.
	ControlEnabled ControlEvent = "enabled"
)

// ControlState — снимок переопределений.
type ControlState struct {
	Paused   bool      `json:"paused"`
	PausedAt time.Time `json:"paused_at,omitzero"`
	// ResumeAt — момент автоматического снятия паузы (нулевой, если не запланировано).
	ResumeAt time.Time `json:"resume_at,omitzero"`
	Disabled bool      `json:"disabled"`
}

// Control — пауза и отключение автоперезагрузки. Потокобезопасен.
type Control struct {
	pauseTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
	resumeAt time.Time
	disabled bool
	timer    *time.Timer
	gen      uint64
	subs     map[int]*mailbox.Mailbox[ControlEvent]
	nextID   int
}

// NewControl создаёт переопределения. pauseTimeout <= 0 означает
// DefaultPauseTimeout, now == nil — time.Now.
func NewControl(pauseTimeout time.Duration, now func() time.Time, logger *slog.Logger) *Control {
	if pauseTimeout <= 0 {
		pauseTimeout = DefaultPauseTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Control{
		pauseTimeout: pauseTimeout,
		now:          now,
		logger:       logger.With(slog.String("component", "control")),
		subs:         make(map[int]*mailbox.Mailbox[ControlEvent]),
	}
}

// Pause ставит планировщик на паузу и (пере)запускает таймер
// автоматического снятия.
func (c *Control) Pause() ControlState {
	c.mu.Lock()
	c.paused = true
	c.pausedAt = c.now()
	c.scheduleResumeLocked()
	c.publishLocked(ControlPaused)
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("Планировщик на паузе",
		slog.Time("resume_at", st.ResumeAt),
	)
	return st
}

// Resume снимает паузу.
func (c *Control) Resume() ControlState {
	c.mu.Lock()
	changed := c.resumeLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	if changed {
		c.logger.Info("Пауза снята")
	}
	return st
}

// SetDisabled включает или выключает отключение автоперезагрузки.
// При включении обратно просроченная пауза снимается сразу.
func (c *Control) SetDisabled(disabled bool) ControlState {
	c.mu.Lock()
	if c.disabled == disabled {
		st := c.stateLocked()
		c.mu.Unlock()
		return st
	}
	c.disabled = disabled
	if disabled {
		c.publishLocked(ControlDisabled)
	} else {
		c.publishLocked(ControlEnabled)
		if c.paused && !c.now().Before(c.pausedAt.Add(c.pauseTimeout)) {
			c.resumeLocked()
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("Автоперезагрузка переключена",
		slog.Bool("disabled", disabled),
	)
	return st
}

// Suppressed возвращает причину подавления планировщика: "disabled",
// "paused" или пустую строку.
func (c *Control) Suppressed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.disabled:
		return string(BlockedDisabled)
	case c.paused:
		return string(BlockedPaused)
	default:
		return ""
	}
}

// State возвращает снимок переопределений.
func (c *Control) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Subscribe возвращает канал событий переопределений. События не
// теряются; одинаковые подряд схлопываются. Канал закрывается при
// отмене ctx.
func (c *Control) Subscribe(ctx context.Context) <-chan ControlEvent {
	mb := mailbox.New(func(last, next ControlEvent) bool { return last == next })

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = mb
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		mb.Close()
	}()

	return mb.C()
}

// Close останавливает таймер автоматического снятия паузы.
func (c *Control) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

func (c *Control) scheduleResumeLocked() {
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.resumeAt = c.pausedAt.Add(c.pauseTimeout)
	c.timer = time.AfterFunc(c.pauseTimeout, func() { c.autoResume(gen) })
}

// autoResume — коллбэк таймера. Не срабатывает при отключённой
// автоперезагрузке и для устаревших таймеров.
func (c *Control) autoResume(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.paused {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.resumeAt = time.Time{}
	if c.disabled {
		c.mu.Unlock()
		c.logger.Info("Автоматическое снятие паузы пропущено: автоперезагрузка отключена")
		return
	}
	c.resumeLocked()
	c.mu.Unlock()

	c.logger.Info("Пауза снята автоматически")
}

func (c *Control) resumeLocked() bool {
	c.stopTimerLocked()
	if !c.paused {
		return false
	}
	c.paused = false
	c.pausedAt = time.Time{}
	c.publishLocked(ControlResumed)
	return true
}

func (c *Control) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.resumeAt = time.Time{}
}

func (c *Control) stateLocked() ControlState {
	return ControlState{
		Paused:   c.paused,
		PausedAt: c.pausedAt,
		ResumeAt: c.resumeAt,
		Disabled: c.disabled,
	}
}

func (c *Control) publishLocked(ev ControlEvent) {
	for _, mb := range c.subs {
		mb.Push(ev)
	}
}
