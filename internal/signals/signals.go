// Пакет signals — сигналы окружения контекста: доступность сети и
// момент последней активности пользователя.
//
// Состояние — last-write-wins по каждому сигналу. События ставятся в
// очередь подписчика в момент изменения и не теряются: подряд идущая
// активность схлопывается в последнюю, переходы online/offline
// доставляются все и по порядку.
package signals

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/mailbox"
)

// EventKind — тип события окружения.
type EventKind string

const (
	// EventOnline — сеть стала доступна.
	EventOnline EventKind = "online"
	// EventOffline — сеть стала недоступна.
	EventOffline EventKind = "offline"
	// EventActivity — зафиксирована активность пользователя.
	EventActivity EventKind = "activity"
)

// Event — событие окружения.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Signals — сигналы окружения. Потокобезопасен.
type Signals struct {
	now func() time.Time

	mu           sync.RWMutex
	online       bool
	lastActivity time.Time
	subs         map[int]*mailbox.Mailbox[Event]
	nextID       int
}

// New создаёт сигналы с начальным состоянием сети.
// now == nil означает time.Now.
func New(online bool, now func() time.Time) *Signals {
	if now == nil {
		now = time.Now
	}
	return &Signals{
		now:    now,
		online: online,
		subs:   make(map[int]*mailbox.Mailbox[Event]),
	}
}

// Online возвращает текущее состояние сети.
func (s *Signals) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// LastActivity возвращает момент последней активности (нулевой, если её не было).
func (s *Signals) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SetOnline устанавливает состояние сети. Событие публикуется только
// при переходе. Возвращает true, если состояние изменилось.
func (s *Signals) SetOnline(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	kind := EventOffline
	if online {
		kind = EventOnline
	}
	ev := Event{Kind: kind, At: s.now()}
	s.publishLocked(ev)
	s.mu.Unlock()

	ConnectivityTransitionsTotal.WithLabelValues(string(kind)).Inc()
	return true
}

// RecordActivity фиксирует активность пользователя в текущий момент.
func (s *Signals) RecordActivity() time.Time {
	s.mu.Lock()
	at := s.now()
	s.lastActivity = at
	s.publishLocked(Event{Kind: EventActivity, At: at})
	s.mu.Unlock()

	ActivityEventsTotal.Inc()
	return at
}

// Subscribe возвращает канал событий. Канал закрывается при отмене ctx.
func (s *Signals) Subscribe(ctx context.Context) <-chan Event {
	mb := mailbox.New(mergeActivity)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = mb
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		mb.Close()
	}()

	return mb.C()
}

func (s *Signals) publishLocked(ev Event) {
	for _, mb := range s.subs {
		mb.Push(ev)
	}
}

// mergeActivity схлопывает подряд идущую активность.
func mergeActivity(last, next Event) bool {
	return last.Kind == EventActivity && next.Kind == EventActivity
}
