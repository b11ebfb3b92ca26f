package leader

import (
	"errors"
	"testing"
	"time"
)

const hb = 5 * time.Second

// TestEncodeParse — запись сохраняет id и миллисекундную точность времени.
func TestEncodeParse(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	data, err := Encode(Record{ID: "owner-1", Timestamp: ts})
	if err != nil {
		t.Fatalf("Ошибка Encode: %v", err)
	}

	rec, err := Parse(data)
	if err != nil {
		t.Fatalf("Ошибка Parse: %v", err)
	}
	if rec.ID != "owner-1" {
		t.Errorf("Ожидался id owner-1, получен %s", rec.ID)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("Ожидалось время %v, получено %v", ts, rec.Timestamp)
	}
}

// TestParse_Malformed — повреждённые записи дают ErrMalformed.
func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"не JSON":            `not json`,
		"нет timestamp":      `{"id":"a"}`,
		"строковый timestamp": `{"id":"a","timestamp":"123"}`,
		"null timestamp":     `{"id":"a","timestamp":null}`,
		"нет id":             `{"timestamp":1}`,
		"массив":             `[1,2]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Ожидалась ErrMalformed, получена %v", err)
			}
		})
	}
}

// TestEvaluate — таблица политики устаревания.
func TestEvaluate(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	rec := func(id string, age time.Duration) []byte {
		data, _ := Encode(Record{ID: id, Timestamp: now.Add(-age)})
		return data
	}

	tests := []struct {
		name string
		raw  []byte
		want Status
	}{
		{"ключ отсутствует", nil, StatusAbsent},
		{"повреждённая запись", []byte(`{"id":"x"}`), StatusAbsent},
		{"нечисловой timestamp", []byte(`{"id":"x","timestamp":"abc"}`), StatusAbsent},
		{"свежая своя", rec("self", time.Second), StatusSelf},
		{"свежая чужая", rec("other", time.Second), StatusAlive},
		{"чужая ровно на границе окна", rec("other", 3*hb), StatusAlive},
		{"чужая за окном", rec("other", 3*hb+time.Millisecond), StatusStale},
		{"своя за окном", rec("self", time.Minute), StatusStale},
		{"чужая из будущего", rec("other", -time.Minute), StatusAlive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.raw, "self", now, hb)
			if got != tt.want {
				t.Errorf("Ожидался статус %s, получен %s", tt.want, got)
			}
		})
	}
}

// TestStatus_Claimable — захват разрешён для absent, self и stale.
func TestStatus_Claimable(t *testing.T) {
	for _, s := range []Status{StatusAbsent, StatusSelf, StatusStale} {
		if !s.Claimable() {
			t.Errorf("Статус %s должен разрешать захват", s)
		}
	}
	if StatusAlive.Claimable() {
		t.Error("Статус alive не должен разрешать захват")
	}
}

// TestStaleAfter — окно устаревания равно трём интервалам heartbeat.
func TestStaleAfter(t *testing.T) {
	if got := StaleAfter(hb); got != 15*time.Second {
		t.Errorf("Ожидалось 15s, получено %v", got)
	}
}
