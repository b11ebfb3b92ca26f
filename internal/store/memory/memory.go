// Пакет memory — in-process бэкенд общего хранилища.
//
// Все клиенты разделяют одну карту значений; запись одного клиента
// рассылается подписчикам всех остальных клиентов (аналог события
// storage у вкладок одного origin). Используется при RC_CONTEXTS > 1
// в одном процессе и в тестах.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// Backend — общее in-memory хранилище.
type Backend struct {
	mu      sync.RWMutex
	data    map[string][]byte
	clients map[string]*Client

	// failWrites — принудительные ошибки записи (для тестов отказов).
	failWrites error
}

// New создаёт пустой in-memory бэкенд.
func New() *Backend {
	return &Backend{
		data:    make(map[string][]byte),
		clients: make(map[string]*Client),
	}
}

// Name возвращает "memory".
func (b *Backend) Name() string { return "memory" }

// Open открывает клиент для контекста clientID.
func (b *Backend) Open(clientID string) (store.Store, error) {
	return b.Client(clientID), nil
}

// Client открывает клиент и возвращает конкретный тип.
func (b *Backend) Client(clientID string) *Client {
	c := &Client{
		id:      clientID,
		backend: b,
		fanout:  store.NewFanout(),
	}

	b.mu.Lock()
	b.clients[clientID] = c
	b.mu.Unlock()

	return c
}

// Close закрывает все клиенты.
func (b *Backend) Close() error {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// SetWriteError включает (err != nil) или выключает принудительную
// ошибку всех записей — имитация переполнения квоты.
func (b *Backend) SetWriteError(err error) {
	b.mu.Lock()
	b.failWrites = err
	b.mu.Unlock()
}

// Raw возвращает значение ключа без учёта клиентов (для тестов).
func (b *Backend) Raw(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// PutRaw записывает значение «извне» и уведомляет всех клиентов (для тестов).
func (b *Backend) PutRaw(key string, value []byte) {
	b.mu.Lock()
	b.data[key] = append([]byte(nil), value...)
	b.mu.Unlock()
	b.broadcast("", store.ChangeEvent{Key: key, Value: append([]byte(nil), value...)})
}

// broadcast рассылает событие всем клиентам, кроме writerID.
func (b *Backend) broadcast(writerID string, ev store.ChangeEvent) {
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for id, c := range b.clients {
		if id == writerID {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.fanout.Publish(ev)
	}
}

// Client — клиент in-memory хранилища одного контекста.
type Client struct {
	id      string
	backend *Backend
	fanout  *store.Fanout

	mu     sync.Mutex
	closed bool
}

// Get возвращает значение ключа.
func (c *Client) Get(_ context.Context, key string) ([]byte, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}
	v, ok := c.backend.Raw(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

// Set перезаписывает значение и уведомляет остальных клиентов.
func (c *Client) Set(_ context.Context, key string, value []byte) error {
	if c.isClosed() {
		return store.ErrClosed
	}

	b := c.backend
	b.mu.Lock()
	if b.failWrites != nil {
		err := b.failWrites
		b.mu.Unlock()
		return err
	}
	b.data[key] = append([]byte(nil), value...)
	b.mu.Unlock()

	b.broadcast(c.id, store.ChangeEvent{Key: key, Value: append([]byte(nil), value...)})
	return nil
}

// Remove удаляет ключ и уведомляет остальных клиентов.
func (c *Client) Remove(_ context.Context, key string) error {
	if c.isClosed() {
		return store.ErrClosed
	}

	b := c.backend
	b.mu.Lock()
	if b.failWrites != nil {
		err := b.failWrites
		b.mu.Unlock()
		return err
	}
	_, existed := b.data[key]
	delete(b.data, key)
	b.mu.Unlock()

	if existed {
		b.broadcast(c.id, store.ChangeEvent{Key: key, Deleted: true})
	}
	return nil
}

// Incr атомарно увеличивает счётчик. Некорректное значение считается нулём.
func (c *Client) Incr(_ context.Context, key string) (int64, error) {
	if c.isClosed() {
		return 0, store.ErrClosed
	}

	b := c.backend
	b.mu.Lock()
	if b.failWrites != nil {
		err := b.failWrites
		b.mu.Unlock()
		return 0, err
	}
	n, _ := strconv.ParseInt(string(b.data[key]), 10, 64)
	n++
	value := []byte(strconv.FormatInt(n, 10))
	b.data[key] = value
	b.mu.Unlock()

	b.broadcast(c.id, store.ChangeEvent{Key: key, Value: append([]byte(nil), value...)})
	return n, nil
}

// Subscribe подписывает на записи других клиентов.
func (c *Client) Subscribe(ctx context.Context, keys ...string) (<-chan store.ChangeEvent, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}
	return c.fanout.Add(ctx, keys)
}

// Ping всегда успешен для открытого клиента.
func (c *Client) Ping(_ context.Context) error {
	if c.isClosed() {
		return store.ErrClosed
	}
	return nil
}

// Close отключает клиента от бэкенда. Повторный вызов безопасен.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.backend.mu.Lock()
	if c.backend.clients[c.id] == c {
		delete(c.backend.clients, c.id)
	}
	c.backend.mu.Unlock()

	c.fanout.Close()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Проверка соответствия интерфейсам на этапе компиляции.
var (
	_ store.Backend = (*Backend)(nil)
	_ store.Store   = (*Client)(nil)
)
