// fanout.go — рассылка уведомлений подписчикам одного клиента хранилища.
package store

import (
	"context"
	"sync"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/mailbox"
)

type subscription struct {
	keys []string
	mb   *mailbox.Mailbox[ChangeEvent]
}

// Fanout — набор подписчиков клиента хранилища. Потокобезопасен;
// Publish никогда не блокируется и не теряет события: подряд идущие
// изменения одного ключа схлопываются в последнее.
type Fanout struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// NewFanout создаёт пустой набор подписчиков.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[int]*subscription)}
}

// Add регистрирует подписчика на ключи keys.
// Канал закрывается при отмене ctx или при Close.
func (f *Fanout) Add(ctx context.Context, keys []string) (<-chan ChangeEvent, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	id := f.nextID
	f.nextID++
	sub := &subscription{
		keys: append([]string(nil), keys...),
		mb:   mailbox.New(sameKey),
	}
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(id)
	}()

	return sub.mb.C(), nil
}

// Publish рассылает событие всем подписчикам с подходящим ключом.
func (f *Fanout) Publish(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if MatchKeys(sub.keys, ev.Key) {
			sub.mb.Push(ev)
		}
	}
}

// Len возвращает количество активных подписчиков.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close закрывает все каналы подписчиков; новые подписки запрещены.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		sub.mb.Close()
		delete(f.subs, id)
	}
}

func (f *Fanout) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[id]
	if !ok {
		return
	}
	sub.mb.Close()
	delete(f.subs, id)
}

func sameKey(last, next ChangeEvent) bool {
	return last.Key == next.Key
}
