// Пакет mailbox — доставка событий одному подписчику без потерь.
//
// Издатель никогда не блокируется: Push кладёт событие в очередь, а
// отдельная горутина передаёт очередь в канал C по мере чтения.
// Функция merge схлопывает событие с последним ожидающим (например,
// повторную активность или новое значение того же ключа), поэтому
// очередь растёт только на событиях, которые нельзя объединить.
package mailbox

import "sync"

// Mailbox — очередь событий подписчика. Потокобезопасен.
type Mailbox[T any] struct {
	merge func(last, next T) bool
	out   chan T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending []T
}

// New создаёт очередь и запускает доставку. merge == nil — события не
// схлопываются; merge возвращает true, если next заменяет last.
func New[T any](merge func(last, next T) bool) *Mailbox[T] {
	m := &Mailbox[T]{
		merge: merge,
		out:   make(chan T),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go m.pump()
	return m
}

// Latest — merge, оставляющий только последнее значение.
func Latest[T any](_, _ T) bool { return true }

// C возвращает канал событий. Канал закрывается после Close.
func (m *Mailbox[T]) C() <-chan T {
	return m.out
}

// Push ставит событие в очередь. Не блокируется.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	if n := len(m.pending); n > 0 && m.merge != nil && m.merge(m.pending[n-1], v) {
		m.pending[n-1] = v
	} else {
		m.pending = append(m.pending, v)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len возвращает число ожидающих событий (без переданного в канал).
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close останавливает доставку и закрывает канал. Идемпотентен;
// ожидающие события отбрасываются.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)

	for {
		v, ok := m.pop()
		if !ok {
			select {
			case <-m.done:
				return
			case <-m.wake:
			}
			continue
		}

		select {
		case <-m.done:
			return
		case m.out <- v:
		}
	}
}

func (m *Mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.pending) == 0 {
		return zero, false
	}
	v := m.pending[0]
	m.pending[0] = zero
	m.pending = m.pending[1:]
	return v, true
}
