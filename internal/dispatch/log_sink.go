package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/home-services-matching/internal/models"
)

// LogSink writes notifications to the log. Used when no real channel is
// configured.
type LogSink struct{ Logger *slog.Logger }

func (l LogSink) Name() string { return "log" }

func (l LogSink) Deliver(_ context.Context, n models.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", n.UserID, "type", n.Type, "title", n.Title)
	return nil
}
