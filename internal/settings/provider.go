// provider.go — загрузка, изменение и отслеживание настроек в общем хранилище.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/mailbox"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// DefaultResyncInterval — период сверки настроек с хранилищем в Watch.
// Сверка подбирает изменения, уведомление о которых не дошло (например,
// при переподключении к Redis или Postgres).
const DefaultResyncInterval = 30 * time.Second

// Provider — источник настроек одного клиента хранилища.
// Потокобезопасен.
type Provider struct {
	store    store.Store
	defaults Settings
	logger   *slog.Logger
	resync   time.Duration

	mu     sync.RWMutex
	cur    Settings
	subs   map[int]*mailbox.Mailbox[Settings]
	nextID int
}

// NewProvider создаёт источник настроек. defaults — начальные настройки
// (из переменных окружения и файла), используются, пока ключ settings
// отсутствует или повреждён.
func NewProvider(st store.Store, defaults Settings, logger *slog.Logger) *Provider {
	defaults = Normalize(defaults.Clone(), Defaults())
	return &Provider{
		store:    st,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "settings")),
		resync:   DefaultResyncInterval,
		cur:      defaults.Clone(),
		subs:     make(map[int]*mailbox.Mailbox[Settings]),
	}
}

// Load читает настройки из хранилища. Отсутствующий ключ заполняется
// начальными настройками; повреждённый документ или ошибка чтения
// оставляют начальные настройки без записи.
func (p *Provider) Load(ctx context.Context) (Settings, error) {
	raw, err := p.store.Get(ctx, store.KeySettings)
	if errors.Is(err, store.ErrNotFound) {
		if err := p.persist(ctx, p.defaults); err != nil {
			p.logger.Warn("Не удалось сохранить начальные настройки",
				slog.String("error", err.Error()),
			)
		}
		p.replace(p.defaults.Clone())
		return p.Current(), nil
	}
	if err != nil {
		p.logger.Warn("Ошибка чтения настроек, используются начальные",
			slog.String("error", err.Error()),
		)
		p.replace(p.defaults.Clone())
		return p.Current(), nil
	}

	patch, err := DecodePatch(raw)
	if err != nil {
		p.logger.Warn("Повреждённый документ настроек, используются начальные",
			slog.String("error", err.Error()),
		)
		p.replace(p.defaults.Clone())
		return p.Current(), nil
	}

	p.replace(Merge(p.defaults, patch, p.defaults))
	return p.Current(), nil
}

// Current возвращает копию текущих настроек.
func (p *Provider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur.Clone()
}

// IsTargeted проверяет, входит ли client в текущий набор целевых клиентов.
func (p *Provider) IsTargeted(client string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur.IsTargeted(client)
}

// Apply применяет патч, сохраняет результат и уведомляет подписчиков.
// При ошибке записи текущие настройки не меняются.
func (p *Provider) Apply(ctx context.Context, patch Patch) (Settings, error) {
	p.mu.RLock()
	next := Merge(p.cur, patch, p.defaults)
	p.mu.RUnlock()

	if err := p.persist(ctx, next); err != nil {
		return p.Current(), err
	}

	p.replace(next)
	p.logger.Info("Настройки изменены",
		slog.Int("pages", len(next.PageCandidates)),
		slog.String("min_delay", next.MinDelay.String()),
		slog.String("max_delay", next.MaxDelay.String()),
	)
	return next.Clone(), nil
}

// Watch применяет изменения настроек других клиентов до отмены ctx и
// периодически сверяет текущие настройки с хранилищем.
// Блокирует; запускается в отдельной горутине.
func (p *Provider) Watch(ctx context.Context) error {
	changes, err := p.store.Subscribe(ctx, store.KeySettings)
	if err != nil {
		return fmt.Errorf("подписка на настройки: %w", err)
	}

	ticker := time.NewTicker(p.resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-changes:
			if !ok {
				return nil
			}
			p.applyForeign(ev)
		case <-ticker.C:
			p.resyncStored(ctx)
		}
	}
}

// Subscribe возвращает канал с новыми настройками после каждого изменения.
// Подписчик всегда получает последнее значение; промежуточные схлопываются.
func (p *Provider) Subscribe(ctx context.Context) <-chan Settings {
	mb := mailbox.New(mailbox.Latest[Settings])

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = mb
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		mb.Close()
	}()

	return mb.C()
}

// resyncStored перечитывает документ настроек и применяет его, только
// если он отличается от текущих настроек.
func (p *Provider) resyncStored(ctx context.Context) {
	raw, err := p.store.Get(ctx, store.KeySettings)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Debug("Сверка настроек пропущена", slog.String("error", err.Error()))
		}
		return
	}
	patch, err := DecodePatch(raw)
	if err != nil || patch.Empty() {
		return
	}

	next := Merge(p.defaults, patch, p.defaults)
	if sameDocument(next, p.Current()) {
		return
	}
	p.replace(next)
	p.logger.Info("Настройки обновлены при сверке с хранилищем",
		slog.Int("pages", len(next.PageCandidates)),
	)
}

func (p *Provider) applyForeign(ev store.ChangeEvent) {
	if ev.Deleted {
		return
	}
	patch, err := DecodePatch(ev.Value)
	if err != nil {
		p.logger.Warn("Игнорируется повреждённое изменение настроек",
			slog.String("error", err.Error()),
		)
		return
	}
	if patch.Empty() {
		return
	}

	p.mu.RLock()
	next := Merge(p.cur, patch, p.defaults)
	p.mu.RUnlock()

	p.replace(next)
	p.logger.Debug("Получены настройки другого клиента",
		slog.Int("pages", len(next.PageCandidates)),
	)
}

// replace заменяет текущие настройки и уведомляет подписчиков.
func (p *Provider) replace(next Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cur = next
	for _, mb := range p.subs {
		mb.Push(next.Clone())
	}
}

func sameDocument(a, b Settings) bool {
	da, errA := json.Marshal(a.Document())
	db, errB := json.Marshal(b.Document())
	return errA == nil && errB == nil && bytes.Equal(da, db)
}

func (p *Provider) persist(ctx context.Context, s Settings) error {
	data, err := json.Marshal(s.Document())
	if err != nil {
		return fmt.Errorf("кодирование настроек: %w", err)
	}
	if err := p.store.Set(ctx, store.KeySettings, data); err != nil {
		return fmt.Errorf("сохранение настроек: %w", err)
	}
	return nil
}
