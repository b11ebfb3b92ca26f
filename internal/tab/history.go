package tab

import (
	"sync"
	"time"
)

// DefaultHistorySize — число хранимых записей о перезагрузках.
const DefaultHistorySize = 100

// Entry — запись о выполненной перезагрузке.
type Entry struct {
	Slot      int       `json:"slot"`
	TabID     string    `json:"tab_id"`
	Target    string    `json:"target"`
	Candidate string    `json:"candidate"`
	Count     int64     `json:"reload_count"`
	At        time.Time `json:"at"`
	// Error — ошибка перехода (пусто при успехе).
	Error string `json:"error,omitempty"`
}

// History — кольцевой буфер последних перезагрузок процесса.
// Потокобезопасен.
type History struct {
	mu    sync.RWMutex
	items []Entry
	next  int
	full  bool
}

// NewHistory создаёт буфер ёмкостью size (DefaultHistorySize при size <= 0).
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{items: make([]Entry, size)}
}

// Add добавляет запись, вытесняя самую старую при заполнении.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.next] = e
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// SetError отмечает ошибку перехода у последней записи вкладки tabID.
func (h *History) SetError(tabID string, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	for i := 0; i < n; i++ {
		idx := (h.next - 1 - i + len(h.items)) % len(h.items)
		if h.items[idx].TabID == tabID {
			h.items[idx].Error = msg
			return
		}
	}
}

// List возвращает до limit последних записей, новые первыми.
// limit <= 0 означает все.
func (h *History) List(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// Len возвращает количество записей.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return len(h.items)
	}
	return h.next
}
