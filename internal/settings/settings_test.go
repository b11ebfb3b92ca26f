package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/memory"
)

// newTestLogger создаёт логгер для тестов.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// TestParsePageList — комментарии и пустые строки пропускаются.
func TestParsePageList(t *testing.T) {
	text := "# страницы\n/news\n\n  /weather  \n#/disabled\r\n/sport\r\n"
	got := ParsePageList(text)
	want := []string{"/news", "/weather", "/sport"}
	if !slices.Equal(got, want) {
		t.Errorf("Ожидалось %v, получено %v", want, got)
	}
}

// TestNormalize — неположительные задержки и min > max.
func TestNormalize(t *testing.T) {
	tests := []struct {
		name             string
		min, max         time.Duration
		wantMin, wantMax time.Duration
	}{
		{"корректные", 10 * time.Second, 20 * time.Second, 10 * time.Second, 20 * time.Second},
		{"min > max", 50 * time.Second, 20 * time.Second, 50 * time.Second, 50 * time.Second},
		{"нулевые", 0, 0, DefaultMinDelay, DefaultMaxDelay},
		{"отрицательный min", -time.Second, 20 * time.Second, DefaultMinDelay, DefaultMinDelay},
		{"равные", 40 * time.Second, 40 * time.Second, 40 * time.Second, 40 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(Settings{MinDelay: tt.min, MaxDelay: tt.max}, Defaults())
			if got.MinDelay != tt.wantMin || got.MaxDelay != tt.wantMax {
				t.Errorf("Ожидалось [%v, %v], получено [%v, %v]",
					tt.wantMin, tt.wantMax, got.MinDelay, got.MaxDelay)
			}
		})
	}
}

// TestMerge — пустые поля патча игнорируются.
func TestMerge(t *testing.T) {
	cur := Normalize(Settings{
		PageCandidates:  []string{"/a"},
		MinDelay:        10 * time.Second,
		MaxDelay:        20 * time.Second,
		TargetedClients: []string{"alice"},
		SoundURLs:       map[string]string{"reload": "https://x/r.mp3"},
	}, Defaults())

	got := Merge(cur, Patch{MaxDelaySeconds: 90, SoundURLs: map[string]string{"reload": "", "alert": "https://x/a.mp3"}}, Defaults())

	if !slices.Equal(got.PageCandidates, []string{"/a"}) {
		t.Errorf("Страницы не должны меняться: %v", got.PageCandidates)
	}
	if got.MinDelay != 10*time.Second || got.MaxDelay != 90*time.Second {
		t.Errorf("Неожиданные задержки [%v, %v]", got.MinDelay, got.MaxDelay)
	}
	if got.SoundURLs["reload"] != "https://x/r.mp3" || got.SoundURLs["alert"] != "https://x/a.mp3" {
		t.Errorf("Неожиданные звуки: %v", got.SoundURLs)
	}
	if !slices.Equal(got.TargetedClients, []string{"alice"}) {
		t.Errorf("Клиенты не должны меняться: %v", got.TargetedClients)
	}

	// Исходные настройки не изменены
	if cur.MaxDelay != 20*time.Second || len(cur.SoundURLs) != 1 {
		t.Error("Merge изменил исходные настройки")
	}
}

// TestMerge_PageSources — pageCandidates приоритетнее pageListText.
func TestMerge_PageSources(t *testing.T) {
	base := Defaults()

	got := Merge(base, Patch{PageListText: "/x\n# c\n/y"}, Defaults())
	if !slices.Equal(got.PageCandidates, []string{"/x", "/y"}) {
		t.Errorf("Ожидалось [/x /y], получено %v", got.PageCandidates)
	}

	got = Merge(base, Patch{PageCandidates: []string{"/p"}, PageListText: "/x"}, Defaults())
	if !slices.Equal(got.PageCandidates, []string{"/p"}) {
		t.Errorf("Ожидалось [/p], получено %v", got.PageCandidates)
	}

	got = Merge(Settings{PageCandidates: []string{"/keep"}}, Patch{PageCandidates: []string{"  "}}, Defaults())
	if !slices.Equal(got.PageCandidates, []string{"/keep"}) {
		t.Errorf("Пустой список не должен менять страницы: %v", got.PageCandidates)
	}
}

// TestMerge_NegativeDelayClamped — отрицательная задержка заменяется значением по умолчанию.
func TestMerge_NegativeDelayClamped(t *testing.T) {
	got := Merge(Defaults(), Patch{MinDelaySeconds: -5}, Defaults())
	if got.MinDelay != DefaultMinDelay {
		t.Errorf("Ожидалось %v, получено %v", DefaultMinDelay, got.MinDelay)
	}
}

// TestIsTargeted — сравнение с набором целевых клиентов.
func TestIsTargeted(t *testing.T) {
	s := Settings{TargetedClients: []string{"Alice", " bob "}}

	for _, c := range []string{"alice", "ALICE", "bob", " Bob"} {
		if !s.IsTargeted(c) {
			t.Errorf("%q должен быть целевым", c)
		}
	}
	for _, c := range []string{"", "carol", "ali"} {
		if s.IsTargeted(c) {
			t.Errorf("%q не должен быть целевым", c)
		}
	}
}

// TestDecodePatch — некорректный JSON даёт ошибку.
func TestDecodePatch(t *testing.T) {
	if _, err := DecodePatch([]byte(`{"minDelaySeconds":"abc"}`)); err == nil {
		t.Error("Ожидалась ошибка для нечисловой задержки")
	}
	p, err := DecodePatch([]byte(`{"pageListText":"/a\n/b","maxDelaySeconds":60}`))
	if err != nil {
		t.Fatalf("Ошибка DecodePatch: %v", err)
	}
	if p.MaxDelaySeconds != 60 || p.PageListText != "/a\n/b" {
		t.Errorf("Неожиданный патч: %+v", p)
	}
}

// TestLoadFile — чтение патча из файла.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"pageCandidates":["/f"],"targetedClients":["ops"]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("Ошибка LoadFile: %v", err)
	}
	if !slices.Equal(p.PageCandidates, []string{"/f"}) || !slices.Equal(p.TargetedClients, []string{"ops"}) {
		t.Errorf("Неожиданный патч: %+v", p)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Ожидалась ошибка для отсутствующего файла")
	}
}

func seedDefaults() Settings {
	return Settings{
		PageCandidates: []string{"/seed"},
		MinDelay:       10 * time.Second,
		MaxDelay:       20 * time.Second,
	}
}

// TestProvider_LoadSeedsAbsent — отсутствующий ключ заполняется начальными настройками.
func TestProvider_LoadSeedsAbsent(t *testing.T) {
	b := memory.New()
	defer b.Close()

	p := NewProvider(b.Client("a"), seedDefaults(), newTestLogger())
	got, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Ошибка Load: %v", err)
	}
	if !slices.Equal(got.PageCandidates, []string{"/seed"}) {
		t.Errorf("Ожидались начальные страницы, получено %v", got.PageCandidates)
	}

	raw, ok := b.Raw(store.KeySettings)
	if !ok {
		t.Fatal("Начальные настройки не сохранены")
	}
	var doc Patch
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Некорректный документ: %v", err)
	}
	if doc.MinDelaySeconds != 10 || doc.MaxDelaySeconds != 20 {
		t.Errorf("Неожиданный документ: %+v", doc)
	}
}

// TestProvider_LoadCorrupt — повреждённый документ не блокирует работу.
func TestProvider_LoadCorrupt(t *testing.T) {
	b := memory.New()
	defer b.Close()
	b.PutRaw(store.KeySettings, []byte(`{broken`))

	p := NewProvider(b.Client("a"), seedDefaults(), newTestLogger())
	got, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Ошибка Load: %v", err)
	}
	if got.MinDelay != 10*time.Second {
		t.Errorf("Ожидались начальные настройки, получено %+v", got)
	}
	if raw, _ := b.Raw(store.KeySettings); string(raw) != `{broken` {
		t.Error("Повреждённый документ не должен перезаписываться при Load")
	}
}

// TestProvider_LoadStored — сохранённые настройки накладываются на начальные.
func TestProvider_LoadStored(t *testing.T) {
	b := memory.New()
	defer b.Close()
	b.PutRaw(store.KeySettings, []byte(`{"pageListText":"/one\n/two","minDelaySeconds":100}`))

	p := NewProvider(b.Client("a"), seedDefaults(), newTestLogger())
	got, _ := p.Load(context.Background())

	if !slices.Equal(got.PageCandidates, []string{"/one", "/two"}) {
		t.Errorf("Неожиданные страницы %v", got.PageCandidates)
	}
	// min > max из начальных настроек: верхняя граница поднимается
	if got.MinDelay != 100*time.Second || got.MaxDelay != 100*time.Second {
		t.Errorf("Неожиданные задержки [%v, %v]", got.MinDelay, got.MaxDelay)
	}
}

// TestProvider_ApplyAndWatch — изменение одного клиента видно другому.
func TestProvider_ApplyAndWatch(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewProvider(b.Client("w"), seedDefaults(), newTestLogger())
	reader := NewProvider(b.Client("r"), seedDefaults(), newTestLogger())
	_, _ = writer.Load(ctx)
	_, _ = reader.Load(ctx)

	updates := reader.Subscribe(ctx)
	go func() { _ = reader.Watch(ctx) }()

	// Подписка Watch регистрируется асинхронно
	time.Sleep(20 * time.Millisecond)

	applied, err := writer.Apply(ctx, Patch{PageCandidates: []string{"/new"}, TargetedClients: []string{"ops"}})
	if err != nil {
		t.Fatalf("Ошибка Apply: %v", err)
	}
	if !slices.Equal(applied.PageCandidates, []string{"/new"}) {
		t.Errorf("Apply вернул %v", applied.PageCandidates)
	}

	select {
	case s := <-updates:
		if !slices.Equal(s.PageCandidates, []string{"/new"}) {
			t.Errorf("Reader получил %v", s.PageCandidates)
		}
	case <-time.After(time.Second):
		t.Fatal("Reader не получил изменение")
	}

	if !reader.IsTargeted("ops") {
		t.Error("Reader должен видеть нового целевого клиента")
	}
}

// TestProvider_WatchResync — изменение без уведомления подбирается сверкой.
func TestProvider_WatchResync(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := NewProvider(b.Client("r"), seedDefaults(), newTestLogger())
	reader.resync = 20 * time.Millisecond
	_, _ = reader.Load(ctx)
	updates := reader.Subscribe(ctx)

	// Запись до подписки Watch: уведомление клиенту r не дойдёт
	b.PutRaw(store.KeySettings, []byte(`{"pageListText":"/missed"}`))
	go func() { _ = reader.Watch(ctx) }()

	select {
	case s := <-updates:
		if !slices.Equal(s.PageCandidates, []string{"/missed"}) {
			t.Errorf("Reader получил %v", s.PageCandidates)
		}
	case <-time.After(time.Second):
		t.Fatal("Сверка не подобрала изменение")
	}

	// Неизменный документ не порождает повторных уведомлений
	select {
	case s := <-updates:
		t.Errorf("Лишнее уведомление: %v", s.PageCandidates)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestProvider_ApplyWriteError — при ошибке записи настройки не меняются.
func TestProvider_ApplyWriteError(t *testing.T) {
	b := memory.New()
	defer b.Close()

	p := NewProvider(b.Client("a"), seedDefaults(), newTestLogger())
	_, _ = p.Load(context.Background())

	quota := errors.New("quota exceeded")
	b.SetWriteError(quota)

	if _, err := p.Apply(context.Background(), Patch{PageCandidates: []string{"/x"}}); !errors.Is(err, quota) {
		t.Fatalf("Ожидалась ошибка квоты, получена %v", err)
	}
	if !slices.Equal(p.Current().PageCandidates, []string{"/seed"}) {
		t.Errorf("Настройки изменились несмотря на ошибку: %v", p.Current().PageCandidates)
	}
}
