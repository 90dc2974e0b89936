package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
)

const AlertSubject = "dispatch.alerts.deadletter"

// LogAlerter writes an error log line per dead letter.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) LogAlerter {
	return LogAlerter{logger: logger.With("component", "dead_letter_alert")}
}

func (a LogAlerter) Alert(ctx context.Context, dl messaging.DeadLetter) {
	a.logger.ErrorContext(ctx, "job dead-lettered",
		"queue", dl.Queue,
		"job_id", dl.JobID,
		"key", dl.Key,
		"attempts", dl.Attempts,
		"error", dl.Error,
	)
}

type alertMessage struct {
	JobID    string    `json:"job_id"`
	Queue    string    `json:"queue"`
	Key      string    `json:"key"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// NATSAlerter publishes dead-letter alerts for on-call tooling.
type NATSAlerter struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSAlerter(conn *nats.Conn, logger *slog.Logger) *NATSAlerter {
	return &NATSAlerter{conn: conn, subject: AlertSubject, logger: logger}
}

func (a *NATSAlerter) Alert(_ context.Context, dl messaging.DeadLetter) {
	data, err := json.Marshal(alertMessage{
		JobID:    dl.JobID,
		Queue:    dl.Queue,
		Key:      dl.Key,
		Error:    dl.Error,
		Attempts: dl.Attempts,
		FailedAt: dl.FailedAt,
	})
	if err != nil {
		a.logger.Error("failed to marshal dead letter alert", "error", err)
		return
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		a.logger.Warn("failed to publish dead letter alert", "error", err, "job_id", dl.JobID)
	}
}

// Alerters fans one alert out to several alerters.
type Alerters []messaging.Alerter

func (as Alerters) Alert(ctx context.Context, dl messaging.DeadLetter) {
	for _, a := range as {
		a.Alert(ctx, dl)
	}
}
