// Пакет postgres — бэкенд общего хранилища на PostgreSQL.
//
// Ключи хранятся в таблице rc_kv (схема применяется golang-migrate из
// embedded FS), уведомления об изменениях рассылаются через
// LISTEN/NOTIFY в канале rc_changes в той же транзакции, что и запись.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// ChangesChannel — канал LISTEN/NOTIFY.
	ChangesChannel = "rc_changes"
	// relistenDelay — пауза перед повторным LISTEN после обрыва соединения.
	relistenDelay = time.Second
)

// message — полезная нагрузка NOTIFY.
type message struct {
	Writer  string `json:"writer"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Backend — пул подключений и слушатель уведомлений.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	cancel context.CancelFunc
	done   chan struct{}
}

// Open подключается к PostgreSQL, применяет миграции и запускает LISTEN.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Backend, error) {
	logger = logger.With(slog.String("component", "store-postgres"))

	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		pool:    pool,
		logger:  logger,
		clients: make(map[string]*Client),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ready := make(chan error, 1)
	go b.listen(loopCtx, ready)
	if err := <-ready; err != nil {
		cancel()
		<-b.done
		pool.Close()
		return nil, err
	}

	return b, nil
}

// Migrate применяет SQL-миграции из embedded FS.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, MigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// MigrateURL переводит DSN вида postgres://... в схему pgx5:// для golang-migrate.
func MigrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Name возвращает "postgres".
func (b *Backend) Name() string { return "postgres" }

// Open открывает клиент для контекста clientID.
func (b *Backend) Open(clientID string) (store.Store, error) {
	c := &Client{
		id:      clientID,
		backend: b,
		fanout:  store.NewFanout(),
	}

	b.mu.Lock()
	b.clients[clientID] = c
	b.mu.Unlock()

	return c, nil
}

// Close останавливает слушатель и закрывает пул.
func (b *Backend) Close() error {
	b.cancel()
	<-b.done

	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}

	b.pool.Close()
	return nil
}

// listen держит выделенное соединение с LISTEN и переподключается при обрыве.
// Результат первой подписки отправляется в ready.
func (b *Backend) listen(ctx context.Context, ready chan<- error) {
	defer close(b.done)

	first := true
	for {
		err := b.listenOnce(ctx, func() {
			if first {
				first = false
				ready <- nil
			}
		})
		if ctx.Err() != nil {
			if first {
				ready <- ctx.Err()
			}
			return
		}
		if first {
			ready <- fmt.Errorf("ошибка LISTEN %s: %w", ChangesChannel, err)
			return
		}

		store.OperationErrorsTotal.WithLabelValues("postgres", "listen").Inc()
		b.logger.Warn("Соединение LISTEN прервано, переподключение",
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(relistenDelay):
		}
	}
}

func (b *Backend) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return err
	}
	onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var m message
		if err := json.Unmarshal([]byte(n.Payload), &m); err != nil {
			b.logger.Warn("Некорректное уведомление об изменении",
				slog.String("error", err.Error()),
			)
			continue
		}
		b.deliver(m)
	}
}

func (b *Backend) deliver(m message) {
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for id, c := range b.clients {
		if id == m.Writer {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	ev := store.ChangeEvent{Key: m.Key, Value: m.Value, Deleted: m.Deleted}
	for _, c := range targets {
		c.fanout.Publish(ev)
	}
}

// Client — клиент PostgreSQL одного контекста.
type Client struct {
	id      string
	backend *Backend
	fanout  *store.Fanout

	mu     sync.Mutex
	closed bool
}

const (
	sqlGet = `SELECT value FROM rc_kv WHERE key = $1`

	sqlUpsert = `INSERT INTO rc_kv (key, value, writer, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, writer = EXCLUDED.writer, updated_at = now()`

	sqlDelete = `DELETE FROM rc_kv WHERE key = $1`

	sqlIncr = `INSERT INTO rc_kv (key, value, writer, updated_at)
VALUES ($1, '1', $2, now())
ON CONFLICT (key) DO UPDATE
SET value = ((CASE WHEN rc_kv.value ~ '^-?[0-9]+$' THEN rc_kv.value::bigint ELSE 0 END) + 1)::text,
    writer = EXCLUDED.writer,
    updated_at = now()
RETURNING value::bigint`

	sqlNotify = `SELECT pg_notify($1, $2)`
)

// Get возвращает значение ключа.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}
	var value string
	err := c.backend.pool.QueryRow(ctx, sqlGet, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("postgres", "get").Inc()
		return nil, fmt.Errorf("чтение %s: %w", key, err)
	}
	return []byte(value), nil
}

// Set записывает значение и уведомление в одной транзакции.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if c.isClosed() {
		return store.ErrClosed
	}
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlUpsert, key, string(value), c.id); err != nil {
			return err
		}
		return c.notify(ctx, tx, message{Key: key, Value: value})
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("postgres", "set").Inc()
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}

// Remove удаляет ключ; уведомление отправляется, только если строка была.
func (c *Client) Remove(ctx context.Context, key string) error {
	if c.isClosed() {
		return store.ErrClosed
	}
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sqlDelete, key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return c.notify(ctx, tx, message{Key: key, Deleted: true})
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("postgres", "remove").Inc()
		return fmt.Errorf("удаление %s: %w", key, err)
	}
	return nil
}

// Incr атомарно увеличивает счётчик одним UPSERT.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if c.isClosed() {
		return 0, store.ErrClosed
	}
	var n int64
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, sqlIncr, key, c.id).Scan(&n); err != nil {
			return err
		}
		return c.notify(ctx, tx, message{Key: key, Value: []byte(fmt.Sprintf("%d", n))})
	})
	if err != nil {
		store.OperationErrorsTotal.WithLabelValues("postgres", "incr").Inc()
		return 0, fmt.Errorf("инкремент %s: %w", key, err)
	}
	return n, nil
}

// Subscribe подписывает на изменения других клиентов.
func (c *Client) Subscribe(ctx context.Context, keys ...string) (<-chan store.ChangeEvent, error) {
	if c.isClosed() {
		return nil, store.ErrClosed
	}
	return c.fanout.Add(ctx, keys)
}

// Ping проверяет доступность PostgreSQL.
func (c *Client) Ping(ctx context.Context) error {
	if c.isClosed() {
		return store.ErrClosed
	}
	return c.backend.pool.Ping(ctx)
}

// Close отключает клиента от слушателя.
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

func (c *Client) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.backend.pool, fn)
}

func (c *Client) notify(ctx context.Context, tx pgx.Tx, m message) error {
	m.Writer = c.id
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("кодирование уведомления: %w", err)
	}
	_, err = tx.Exec(ctx, sqlNotify, ChangesChannel, string(payload))
	return err
}

// Проверка соответствия интерфейсам на этапе компиляции.
var (
	_ store.Backend = (*Backend)(nil)
	_ store.Store   = (*Client)(nil)
)
