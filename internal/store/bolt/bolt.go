// Пакет bolt — бэкенд общего хранилища на встраиваемой базе bbolt.
//
// Каждое значение хранится в конверте с идентификатором писателя и
// номером ревизии бакета. Уведомления строятся опросом: наблюдатель
// клиента периодически сравнивает ревизии подписанных ключей и
// пропускает записи, сделанные самим клиентом.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

const (
	// bucketName — бакет со всеми ключами координатора.
	bucketName = "reload-coordinator"
	// openTimeout — ожидание файловой блокировки при открытии базы.
	openTimeout = 5 * time.Second
	// DefaultPollInterval — период опроса изменений по умолчанию.
	DefaultPollInterval = 250 * time.Millisecond
)

// envelope — формат хранения значения в бакете.
type envelope struct {
	Writer string `json:"writer"`
	Rev    uint64 `json:"rev"`
	Value  []byte `json:"value"`
}

// Backend — общий файл bbolt.
type Backend struct {
	db           *bolt.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// Open открывает (или создаёт) файл базы и бакет.
func Open(path string, pollInterval time.Duration, logger *slog.Logger) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("создание каталога %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("открытие bbolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("создание бакета: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Backend{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "store-bolt")),
	}, nil
}

// Name возвращает "bolt".
func (b *Backend) Name() string { return "bolt" }

// Open открывает клиент для контекста clientID.
func (b *Backend) Open(clientID string) (store.Store, error) {
	return &Client{
		id:      clientID,
		backend: b,
		fanout:  store.NewFanout(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Close закрывает файл базы.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Client — клиент bbolt одного контекста.
type Client struct {
	id      string
	backend *Backend
	fanout  *store.Fanout

	mu       sync.Mutex
	watching bool
	closed   bool
	stopCh   chan struct{}
	done     chan struct{}
}

// Get возвращает значение ключа.
func (c *Client) Get(_ context.Context, key string) ([]byte, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}

	var value []byte
	err := c.backend.db.View(func(tx *bolt.Tx) error {
		env, ok, err := readEnvelope(tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		value = env.Value
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			store.OperationErrorsTotal.WithLabelValues("bolt", "get").Inc()
		}
		return nil, err
	}
	return value, nil
}

// Set перезаписывает значение ключа.
func (c *Client) Set(_ context.Context, key string, value []byte) error {
	if c.isClosed() {
		return store.ErrClosed
	}

	err := c.backend.db.Update(func(tx *bolt.Tx) error {
		return c.writeEnvelope(tx, key, value)
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("bolt", "set").Inc()
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}

// Remove удаляет ключ.
func (c *Client) Remove(_ context.Context, key string) error {
	if c.isClosed() {
		return store.ErrClosed
	}

	err := c.backend.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("bolt", "remove").Inc()
		return fmt.Errorf("удаление %s: %w", key, err)
	}
	return nil
}

// Incr увеличивает счётчик в одной транзакции записи.
func (c *Client) Incr(_ context.Context, key string) (int64, error) {
	if c.isClosed() {
		return 0, store.ErrClosed
	}

	var n int64
	err := c.backend.db.Update(func(tx *bolt.Tx) error {
		env, ok, err := readEnvelope(tx, key)
		if err != nil {
			return err
		}
		if ok {
			n, _ = strconv.ParseInt(string(env.Value), 10, 64)
		}
		n++
		return c.writeEnvelope(tx, key, []byte(strconv.FormatInt(n, 10)))
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("bolt", "incr").Inc()
		return 0, fmt.Errorf("инкремент %s: %w", key, err)
	}
	return n, nil
}

// Subscribe подписывает на изменения других клиентов.
// Первая подписка запускает наблюдатель клиента.
func (c *Client) Subscribe(ctx context.Context, keys ...string) (<-chan store.ChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, store.ErrClosed
	}

	ch, err := c.fanout.Add(ctx, keys)
	if err != nil {
		return nil, err
	}

	if !c.watching {
		c.watching = true
		c.done = make(chan struct{})
		go c.watch(c.snapshot())
	}
	return ch, nil
}

// Ping проверяет, что база открыта и читается.
func (c *Client) Ping(_ context.Context) error {
	if c.isClosed() {
		return store.ErrClosed
	}
	return c.backend.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) == nil {
			return fmt.Errorf("бакет %s отсутствует", bucketName)
		}
		return nil
	})
}

// Close останавливает наблюдатель и закрывает подписки.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.fanout.Close()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writeEnvelope записывает значение с новой ревизией бакета.
func (c *Client) writeEnvelope(tx *bolt.Tx, key string, value []byte) error {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return fmt.Errorf("бакет %s отсутствует", bucketName)
	}
	rev, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Writer: c.id, Rev: rev, Value: value})
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

// readEnvelope читает конверт ключа. Повреждённый конверт считается
// отсутствующим значением.
func readEnvelope(tx *bolt.Tx, key string) (envelope, bool, error) {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return envelope{}, false, nil
	}
	data := bucket.Get([]byte(key))
	if data == nil {
		return envelope{}, false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, false, nil
	}
	return env, true, nil
}

// snapshot читает ревизии всех ключей бакета.
func (c *Client) snapshot() map[string]envelope {
	state := make(map[string]envelope)
	err := c.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			state[string(k)] = env
			return nil
		})
	})
	if err != nil {
		c.backend.logger.Warn("Ошибка чтения снимка bbolt",
			slog.String("client", c.id),
			slog.String("error", err.Error()),
		)
	}
	return state
}

// watch опрашивает базу и рассылает изменения других клиентов.
func (c *Client) watch(prev map[string]envelope) {
	defer close(c.done)

	ticker := time.NewTicker(c.backend.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			cur := c.snapshot()
			for _, ev := range diff(c.id, prev, cur) {
				c.fanout.Publish(ev)
			}
			prev = cur
		}
	}
}

// diff вычисляет события между двумя снимками, пропуская записи self.
// Удаление не несёт писателя и доставляется всем, включая удалившего.
func diff(self string, prev, cur map[string]envelope) []store.ChangeEvent {
	var events []store.ChangeEvent
	for key, env := range cur {
		old, ok := prev[key]
		if ok && old.Rev == env.Rev {
			continue
		}
		if env.Writer == self {
			continue
		}
		events = append(events, store.ChangeEvent{Key: key, Value: env.Value})
	}
	for key := range prev {
		if _, ok := cur[key]; !ok {
			events = append(events, store.ChangeEvent{Key: key, Deleted: true})
		}
	}
	return events
}

// Проверка соответствия интерфейсам на этапе компиляции.
var (
	_ store.Backend = (*Backend)(nil)
	_ store.Store   = (*Client)(nil)
)
