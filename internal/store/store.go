// Пакет store — общее key-value хранилище, через которое контексты
// координируются между собой (запись leader, счётчик перезагрузок, настройки).
//
// Хранилище не даёт ни блокировок, ни транзакций read-then-write:
// корректность протокола обеспечивается окном устаревания записи leader,
// а не атомарностью. Уведомления об изменениях доставляются только
// о записях других клиентов — собственные записи не возвращаются.
package store

import (
	"context"
	"errors"
)

// Ключи общего хранилища.
const (
	// KeyLeaderRecord — запись текущего leader {id, timestamp}.
	KeyLeaderRecord = "primaryTabRecord"
	// KeyReloadCount — счётчик выполненных перезагрузок.
	KeyReloadCount = "reloadCount"
	// KeySettings — пользовательские настройки (JSON).
	KeySettings = "settings"
)

// ErrNotFound — ключ отсутствует в хранилище.
var ErrNotFound = errors.New("ключ не найден")

// ErrClosed — операция над закрытым клиентом хранилища.
var ErrClosed = errors.New("хранилище закрыто")

// ChangeEvent — уведомление о записи другого клиента.
type ChangeEvent struct {
	// Key — изменённый ключ.
	Key string
	// Value — новое значение (nil при удалении).
	Value []byte
	// Deleted — ключ удалён.
	Deleted bool
}

// Store — клиент общего хранилища, принадлежащий одному контексту.
// Каждый контекст открывает собственный клиент: по нему бэкенд отличает
// «свои» записи от чужих при рассылке уведомлений.
type Store interface {
	// Get возвращает значение ключа или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set безусловно перезаписывает значение ключа.
	Set(ctx context.Context, key string, value []byte) error
	// Remove удаляет ключ. Удаление отсутствующего ключа — не ошибка.
	Remove(ctx context.Context, key string) error
	// Incr атомарно увеличивает целочисленный счётчик и возвращает новое значение.
	Incr(ctx context.Context, key string) (int64, error)
	// Subscribe подписывает на изменения указанных ключей, сделанные
	// другими клиентами. Канал закрывается после отмены ctx.
	Subscribe(ctx context.Context, keys ...string) (<-chan ChangeEvent, error)
	// Ping проверяет доступность бэкенда (для readiness).
	Ping(ctx context.Context) error
	// Close освобождает ресурсы клиента.
	Close() error
}

// Backend — общий бэкенд, из которого открываются клиенты контекстов.
type Backend interface {
	// Open открывает клиент для контекста с идентификатором clientID.
	Open(clientID string) (Store, error)
	// Name возвращает имя бэкенда (memory, bolt, redis, postgres).
	Name() string
	// Close освобождает общие ресурсы бэкенда.
	Close() error
}

// MatchKeys проверяет, входит ли key в набор подписки.
// Пустой набор означает подписку на все ключи.
func MatchKeys(keys []string, key string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
