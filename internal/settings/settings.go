// Пакет settings — пользовательские настройки перезагрузок: список
// страниц-кандидатов, границы задержки, целевые клиенты уведомлений и
// адреса звуков.
//
// Настройки хранятся целиком под ключом settings общего хранилища.
// Изменения приходят частичными патчами: пустые и отсутствующие поля
// игнорируются, некорректные границы задержки приводятся к безопасным.
package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"time"
)

// Значения по умолчанию для границ задержки.
const (
	DefaultMinDelay = 30 * time.Second
	DefaultMaxDelay = 180 * time.Second
)

// Settings — нормализованные настройки.
type Settings struct {
	// PageCandidates — пути или URL страниц для перехода.
	PageCandidates []string
	// MinDelay, MaxDelay — границы случайной задержки, MinDelay <= MaxDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
	// TargetedClients — клиенты, которым отправляются уведомления.
	TargetedClients []string
	// SoundURLs — адреса звуковых сигналов по имени события.
	SoundURLs map[string]string
}

// Patch — частичное обновление настроек (и формат документа в хранилище).
// Пустые поля не меняют текущие значения. Задержки в секундах;
// отрицательное значение некорректно и заменяется значением по умолчанию.
type Patch struct {
	PageCandidates  []string          `json:"pageCandidates,omitempty"`
	PageListText    string            `json:"pageListText,omitempty"`
	MinDelaySeconds float64           `json:"minDelaySeconds,omitempty"`
	MaxDelaySeconds float64           `json:"maxDelaySeconds,omitempty"`
	TargetedClients []string          `json:"targetedClients,omitempty"`
	SoundURLs       map[string]string `json:"soundUrls,omitempty"`
}

// Empty сообщает, что патч ничего не меняет.
func (p Patch) Empty() bool {
	return len(p.PageCandidates) == 0 && strings.TrimSpace(p.PageListText) == "" &&
		p.MinDelaySeconds == 0 && p.MaxDelaySeconds == 0 &&
		len(p.TargetedClients) == 0 && len(p.SoundURLs) == 0
}

// Defaults возвращает настройки по умолчанию без страниц.
func Defaults() Settings {
	return Settings{
		MinDelay:  DefaultMinDelay,
		MaxDelay:  DefaultMaxDelay,
		SoundURLs: map[string]string{},
	}
}

// Clone возвращает глубокую копию.
func (s Settings) Clone() Settings {
	out := s
	out.PageCandidates = slices.Clone(s.PageCandidates)
	out.TargetedClients = slices.Clone(s.TargetedClients)
	out.SoundURLs = make(map[string]string, len(s.SoundURLs))
	for k, v := range s.SoundURLs {
		out.SoundURLs[k] = v
	}
	return out
}

// IsTargeted проверяет, входит ли client в набор целевых клиентов.
// Сравнение без учёта регистра и пробелов по краям.
func (s Settings) IsTargeted(client string) bool {
	client = strings.TrimSpace(client)
	if client == "" {
		return false
	}
	for _, c := range s.TargetedClients {
		if strings.EqualFold(strings.TrimSpace(c), client) {
			return true
		}
	}
	return false
}

// Document возвращает полный документ для сохранения в хранилище.
func (s Settings) Document() Patch {
	return Patch{
		PageCandidates:  slices.Clone(s.PageCandidates),
		MinDelaySeconds: s.MinDelay.Seconds(),
		MaxDelaySeconds: s.MaxDelay.Seconds(),
		TargetedClients: slices.Clone(s.TargetedClients),
		SoundURLs:       s.Clone().SoundURLs,
	}
}

// Merge применяет патч к текущим настройкам и нормализует результат.
// pageCandidates имеет приоритет над pageListText.
func Merge(cur Settings, p Patch, defaults Settings) Settings {
	out := cur.Clone()

	if pages := cleanList(p.PageCandidates); len(pages) > 0 {
		out.PageCandidates = pages
	} else if pages := ParsePageList(p.PageListText); len(pages) > 0 {
		out.PageCandidates = pages
	}
	if p.MinDelaySeconds != 0 {
		out.MinDelay = secondsToDuration(p.MinDelaySeconds)
	}
	if p.MaxDelaySeconds != 0 {
		out.MaxDelay = secondsToDuration(p.MaxDelaySeconds)
	}
	if clients := cleanList(p.TargetedClients); len(clients) > 0 {
		out.TargetedClients = clients
	}
	for k, v := range p.SoundURLs {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out.SoundURLs[k] = v
	}

	return Normalize(out, defaults)
}

// Normalize приводит границы задержки к корректным: неположительные
// значения заменяются значениями по умолчанию, при MinDelay > MaxDelay
// верхняя граница поднимается до нижней.
func Normalize(s Settings, defaults Settings) Settings {
	if defaults.MinDelay <= 0 {
		defaults.MinDelay = DefaultMinDelay
	}
	if defaults.MaxDelay <= 0 {
		defaults.MaxDelay = DefaultMaxDelay
	}
	if s.MinDelay <= 0 {
		s.MinDelay = defaults.MinDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = defaults.MaxDelay
	}
	if s.MinDelay > s.MaxDelay {
		s.MaxDelay = s.MinDelay
	}
	if s.SoundURLs == nil {
		s.SoundURLs = map[string]string{}
	}
	return s
}

// ParsePageList разбирает многострочный список страниц: по одной на
// строку, пустые строки и строки с # в начале пропускаются.
func ParsePageList(text string) []string {
	var pages []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pages = append(pages, line)
	}
	return pages
}

// DecodePatch разбирает JSON-документ настроек.
func DecodePatch(data []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("разбор настроек: %w", err)
	}
	if math.IsNaN(p.MinDelaySeconds) || math.IsNaN(p.MaxDelaySeconds) {
		return Patch{}, fmt.Errorf("разбор настроек: некорректная задержка")
	}
	return p, nil
}

// LoadFile читает патч настроек из JSON-файла (RC_SETTINGS_FILE).
func LoadFile(path string) (Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Patch{}, fmt.Errorf("чтение файла настроек %s: %w", path, err)
	}
	return DecodePatch(data)
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return -1
	}
	return time.Duration(sec * float64(time.Second))
}
