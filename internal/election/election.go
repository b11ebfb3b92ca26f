// election.go — выбор leader через запись в общем хранилище.
//
// Алгоритм:
//  1. Claim перечитывает запись leader и записывает {selfID, now}, если
//     запись отсутствует, принадлежит самому контексту или устарела
//  2. Leader каждые heartbeatInterval безусловно перезаписывает запись
//  3. Follower реагирует на чужие изменения записи и дополнительно
//     проверяет её каждые heartbeatInterval; при absent/stale пытается
//     захватить лидерство и вызывает onPromoted
//  4. Release останавливает циклы и удаляет запись, только если её
//     владелец — сам контекст
//
// Хранилище не даёт блокировок: короткое пересечение двух leader
// допускается и сходится за одно окно устаревания.
package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/domain/leader"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// DefaultHeartbeatInterval — интервал heartbeat по умолчанию.
const DefaultHeartbeatInterval = 5 * time.Second

// Config — параметры выборов одного контекста.
type Config struct {
	// SelfID — идентификатор владельца (ownerId контекста).
	SelfID string
	// HeartbeatInterval — период heartbeat и опроса follower.
	HeartbeatInterval time.Duration
	// Now — источник времени; nil означает time.Now.
	Now func() time.Time
}

// Election — выборы leader одного контекста.
// Реализует интерфейс RoleProvider.
type Election struct {
	store     store.Store
	selfID    string
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// Коллбэки при смене роли
	onBecomeLeader func()
	onPromoted     func()

	mu       sync.RWMutex
	role     Role
	leaderID string
	started  bool

	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// NewElection создаёт выборы для контекста.
//
// Параметры:
//   - st: клиент общего хранилища контекста
//   - cfg: идентификатор, интервал heartbeat, источник времени
//   - onBecomeLeader: вызывается, если Start захватил лидерство
//   - onPromoted: вызывается, когда follower захватил лидерство после
//     устаревания или удаления записи (в отдельной горутине, после
//     остановки монитора)
//   - logger: логгер
func NewElection(
	st store.Store,
	cfg Config,
	onBecomeLeader func(),
	onPromoted func(),
	logger *slog.Logger,
) *Election {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Election{
		store:          st,
		selfID:         cfg.SelfID,
		heartbeat:      cfg.HeartbeatInterval,
		now:            cfg.Now,
		onBecomeLeader: onBecomeLeader,
		onPromoted:     onPromoted,
		logger: logger.With(
			slog.String("component", "election"),
			slog.String("self_id", cfg.SelfID),
		),
		role: RoleFollower,
		done: make(chan struct{}),
	}
}

// Start выполняет первичный Claim и запускает цикл heartbeat (leader)
// или монитор (follower). Ошибка записи при захвате не фатальна:
// контекст становится follower и повторит попытку из монитора.
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("выборы уже запущены")
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	won, err := e.Claim(ctx)
	if err != nil {
		e.logger.Warn("Ошибка первичного захвата лидерства",
			slog.String("error", err.Error()),
		)
	}

	if won {
		e.becomeLeader()
		go func() {
			defer close(e.done)
			e.heartbeatLoop(loopCtx)
		}()
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
		return nil
	}

	e.becomeFollower()

	// Подписка до запуска горутины: изменения между Claim и монитором не теряются
	changes, err := e.store.Subscribe(loopCtx, store.KeyLeaderRecord)
	if err != nil {
		e.logger.Warn("Подписка на изменения записи leader недоступна, только опрос",
			slog.String("error", err.Error()),
		)
		changes = nil
	}

	go func() {
		promoted := e.monitorLoop(loopCtx, changes)
		close(e.done)
		if promoted && e.onPromoted != nil {
			e.onPromoted()
		}
	}()
	return nil
}

// Claim перечитывает запись leader и захватывает её, если политика
// устаревания разрешает: absent, self или stale. Ошибка чтения считается
// отсутствием записи. Ошибка записи возвращает false с ошибкой.
func (e *Election) Claim(ctx context.Context) (bool, error) {
	raw := e.readRecord(ctx)
	status := leader.Evaluate(raw, e.selfID, e.now(), e.heartbeat)

	if !status.Claimable() {
		ClaimsTotal.WithLabelValues("lost").Inc()
		return false, nil
	}

	if err := e.writeRecord(ctx); err != nil {
		ClaimsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("захват лидерства (%s): %w", status, err)
	}

	e.mu.Lock()
	e.leaderID = e.selfID
	e.mu.Unlock()

	ClaimsTotal.WithLabelValues("won").Inc()
	e.logger.Debug("Лидерство захвачено",
		slog.String("previous", string(status)),
	)
	return true, nil
}

// Release останавливает циклы и удаляет запись leader, если её владелец —
// сам контекст. Повторные вызовы возвращают результат первого.
func (e *Election) Release(ctx context.Context) error {
	e.releaseOnce.Do(func() {
		wasLeader := e.IsLeader()
		e.Stop()
		if wasLeader {
			LeadersGauge.Dec()
		}

		raw, err := e.store.Get(ctx, store.KeyLeaderRecord)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.releaseErr = fmt.Errorf("чтение записи leader при освобождении: %w", err)
			}
			e.setRole(RoleReleased)
			return
		}

		if rec, perr := leader.Parse(raw); perr == nil && rec.ID == e.selfID {
			if err := e.store.Remove(ctx, store.KeyLeaderRecord); err != nil {
				e.releaseErr = fmt.Errorf("удаление записи leader: %w", err)
			} else {
				e.logger.Info("Запись leader освобождена")
			}
		}

		e.setRole(RoleReleased)
	})
	return e.releaseErr
}

// Stop останавливает heartbeat или монитор без изменения хранилища.
// Безопасен для повторного вызова и до Start.
func (e *Election) Stop() {
	e.mu.Lock()
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-e.done
}

// CurrentRole возвращает текущую роль контекста.
func (e *Election) CurrentRole() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// IsLeader возвращает true, если контекст — действующий leader.
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role == RoleLeader
}

// LeaderID возвращает идентификатор последнего известного владельца записи.
func (e *Election) LeaderID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderID
}

// SelfID возвращает идентификатор контекста.
func (e *Election) SelfID() string {
	return e.selfID
}

// HeartbeatInterval возвращает интервал heartbeat.
func (e *Election) HeartbeatInterval() time.Duration {
	return e.heartbeat
}

// becomeLeader переводит контекст в роль leader.
func (e *Election) becomeLeader() {
	e.setRole(RoleLeader)
	LeadersGauge.Inc()
	e.logger.Info("Роль: LEADER")
}

// becomeFollower переводит контекст в роль follower.
func (e *Election) becomeFollower() {
	e.setRole(RoleFollower)
	e.logger.Info("Роль: FOLLOWER",
		slog.String("leader_id", e.LeaderID()),
	)
}

func (e *Election) setRole(r Role) {
	e.mu.Lock()
	e.role = r
	e.mu.Unlock()
}

// heartbeatLoop — горутина leader: безусловная перезапись записи.
// Ошибки только логируются; следующий тик повторяет запись.
func (e *Election) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeTick(e.logger, "heartbeat", func() {
				if err := e.writeRecord(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					HeartbeatsTotal.WithLabelValues("error").Inc()
					e.logger.Warn("Ошибка heartbeat",
						slog.String("error", err.Error()),
					)
					return
				}
				HeartbeatsTotal.WithLabelValues("ok").Inc()
			})
		}
	}
}

// monitorLoop — горутина follower. Возвращает true, если контекст
// захватил лидерство и монитор должен завершиться.
func (e *Election) monitorLoop(ctx context.Context, changes <-chan store.ChangeEvent) bool {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-changes:
			if !ok {
				// Канал закрыт вместе с клиентом хранилища; остаётся опрос
				changes = nil
				continue
			}
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			return false
		}

		promoted := false
		safeTick(e.logger, "monitor", func() {
			promoted = e.checkAndClaim(ctx)
		})
		if promoted {
			return true
		}
	}
}

// checkAndClaim оценивает текущую запись и при absent/stale пытается
// захватить лидерство.
func (e *Election) checkAndClaim(ctx context.Context) bool {
	raw := e.readRecord(ctx)
	status := leader.Evaluate(raw, e.selfID, e.now(), e.heartbeat)
	if status == leader.StatusAlive {
		return false
	}

	won, err := e.Claim(ctx)
	if err != nil {
		e.logger.Warn("Ошибка захвата лидерства",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !won {
		return false
	}

	e.setRole(RolePromoting)
	PromotionsTotal.Inc()
	e.logger.Info("Лидерство захвачено follower, переход на каноническую страницу",
		slog.String("previous", string(status)),
	)
	return true
}

// readRecord читает сырое значение записи leader. Ошибка чтения
// логируется и трактуется как отсутствие записи.
func (e *Election) readRecord(ctx context.Context) []byte {
	raw, err := e.store.Get(ctx, store.KeyLeaderRecord)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("Ошибка чтения записи leader, считаем отсутствующей",
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	if rec, perr := leader.Parse(raw); perr == nil {
		e.mu.Lock()
		e.leaderID = rec.ID
		e.mu.Unlock()
	}
	return raw
}

func (e *Election) writeRecord(ctx context.Context) error {
	data, err := leader.Encode(leader.Record{ID: e.selfID, Timestamp: e.now()})
	if err != nil {
		return err
	}
	return e.store.Set(ctx, store.KeyLeaderRecord, data)
}

// safeTick выполняет тик цикла, превращая panic в запись лога.
func safeTick(logger *slog.Logger, loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic в тике цикла",
				slog.String("loop", loop),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ RoleProvider = (*Election)(nil)
