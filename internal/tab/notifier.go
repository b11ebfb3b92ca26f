package tab

import (
	"context"
	"log/slog"
)

// Notification — уведомление о перезагрузке для целевого клиента.
type Notification struct {
	Client string
	Target string
	Count  int64
	// Sound — адрес звукового сигнала из настроек (может быть пустым).
	Sound string
}

// Notifier — доставка уведомлений. Ошибки не влияют на выборы и планировщик.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier — уведомления в лог.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт уведомитель, пишущий в лог.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

// Notify пишет уведомление в лог.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info("Уведомление о перезагрузке",
		slog.String("client", note.Client),
		slog.String("target", note.Target),
		slog.Int64("reload_count", note.Count),
		slog.String("sound", note.Sound),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
