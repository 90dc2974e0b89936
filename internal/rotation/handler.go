package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
)

// Handler consumes the rotation queues.
type Handler struct {
	queue  *Queue
	logger *slog.Logger
}

func NewHandler(queue *Queue, logger *slog.Logger) *Handler {
	return &Handler{queue: queue, logger: logger.With("component", "rotation_handler")}
}

func (h *Handler) Handle(ctx context.Context, job jobs.Job) error {
	switch p := job.Payload.(type) {
	case jobs.PushCourierToQueue:
		_, err := h.queue.PushCourier(ctx, p.TerminalID, p.CourierID)
		return err

	case jobs.SetQueueLastCourier:
		err := h.queue.SetLastCourier(ctx, p.TerminalID, p.CourierID)
		if errors.Is(err, ErrCourierNotInRotation) {
			// The courier went offline between accepting and this job running.
			h.logger.InfoContext(ctx, "skipping pointer update for courier outside rotation",
				"terminal_id", p.TerminalID, "courier_id", p.CourierID)
			return nil
		}
		return err

	case jobs.ClearCourier:
		_, err := h.queue.ClearCourier(ctx, p.TerminalID, p.CourierID)
		return err
	}
	return messaging.Permanent(fmt.Errorf("rotation handler cannot process %s", job.Kind))
}

// Kinds lists the queues Handle consumes.
func (h *Handler) Kinds() []jobs.Kind {
	return []jobs.Kind{jobs.KindPushCourierToQueue, jobs.KindSetQueueLastCourier, jobs.KindClearCourier}
}
