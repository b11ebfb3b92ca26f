// Пакет leader — запись leader в общем хранилище и политика устаревания.
//
// Запись хранится как JSON {"id": string, "timestamp": number}, где
// timestamp — Unix-время в миллисекундах последней записи (захват или
// heartbeat). Хранилище не даёт блокировок, поэтому решение о захвате
// принимается только по политике Evaluate.
package leader

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StaleFactor — во сколько раз интервал heartbeat меньше окна устаревания.
const StaleFactor = 3

// Status — результат оценки записи leader.
type Status string

const (
	// StatusAbsent — записи нет либо она повреждена.
	StatusAbsent Status = "absent"
	// StatusSelf — запись принадлежит самому контексту.
	StatusSelf Status = "self"
	// StatusStale — владелец не обновлял запись дольше окна устаревания.
	StatusStale Status = "stale"
	// StatusAlive — запись принадлежит другому живому владельцу.
	StatusAlive Status = "alive"
)

// Claimable сообщает, можно ли захватить лидерство при данном статусе.
func (s Status) Claimable() bool {
	return s == StatusAbsent || s == StatusSelf || s == StatusStale
}

// ErrMalformed — запись не разбирается или не содержит числового timestamp.
var ErrMalformed = errors.New("некорректная запись leader")

// Record — запись leader.
type Record struct {
	// ID — идентификатор владельца (ownerId контекста).
	ID string
	// Timestamp — момент последней записи.
	Timestamp time.Time
}

// wireRecord — формат записи в хранилище. Timestamp — указатель, чтобы
// отличать отсутствующее поле от нуля.
type wireRecord struct {
	ID        string   `json:"id"`
	Timestamp *float64 `json:"timestamp"`
}

// Encode сериализует запись.
func Encode(r Record) ([]byte, error) {
	ts := float64(r.Timestamp.UnixMilli())
	data, err := json.Marshal(wireRecord{ID: r.ID, Timestamp: &ts})
	if err != nil {
		return nil, fmt.Errorf("кодирование записи leader: %w", err)
	}
	return data, nil
}

// Parse разбирает запись. Отсутствующий или нечисловой timestamp,
// пустой id и невалидный JSON дают ErrMalformed.
func Parse(raw []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Timestamp == nil {
		return Record{}, fmt.Errorf("%w: нет timestamp", ErrMalformed)
	}
	if w.ID == "" {
		return Record{}, fmt.Errorf("%w: нет id", ErrMalformed)
	}
	return Record{
		ID:        w.ID,
		Timestamp: time.UnixMilli(int64(*w.Timestamp)),
	}, nil
}

// StaleAfter возвращает окно устаревания для интервала heartbeat.
func StaleAfter(heartbeat time.Duration) time.Duration {
	return StaleFactor * heartbeat
}

// Evaluate применяет политику устаревания к сырому значению из хранилища.
// raw == nil означает отсутствие ключа.
func Evaluate(raw []byte, selfID string, now time.Time, heartbeat time.Duration) Status {
	if raw == nil {
		return StatusAbsent
	}
	rec, err := Parse(raw)
	if err != nil {
		return StatusAbsent
	}
	return EvaluateRecord(rec, selfID, now, heartbeat)
}

// EvaluateRecord применяет политику к разобранной записи.
// Устаревание проверяется до принадлежности: собственная устаревшая
// запись тоже считается stale, что для захвата равнозначно self.
func EvaluateRecord(rec Record, selfID string, now time.Time, heartbeat time.Duration) Status {
	if now.Sub(rec.Timestamp) > StaleAfter(heartbeat) {
		return StatusStale
	}
	if rec.ID == selfID {
		return StatusSelf
	}
	return StatusAlive
}
