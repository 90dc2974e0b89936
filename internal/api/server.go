// Package api is the operator and collaborator HTTP surface of the dispatcher.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/joao-fontenele/courier-dispatch/internal/cache"
	"github.com/joao-fontenele/courier-dispatch/internal/deadletter"
	"github.com/joao-fontenele/courier-dispatch/internal/dispatch"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/telemetry"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) error
}

type Invalidator interface {
	Invalidate(ctx context.Context, inv cache.Invalidation) error
}

type Offers interface {
	AcceptOffer(ctx context.Context, orderID, courierID string) error
	Reopen(ctx context.Context, orderID string) (dispatch.Outcome, error)
}

type OfferLookup interface {
	OfferStatus(ctx context.Context, orderID, courierID string) (domain.OfferStatus, error)
}

type DeadLetters interface {
	List(ctx context.Context, f deadletter.ListFilter) ([]deadletter.Record, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) (jobs.Job, error)
}

type Rotation interface {
	Members(ctx context.Context, terminalID string) ([]string, error)
}

type Deps struct {
	Bus         Enqueuer
	Invalidator Invalidator
	Offers      Offers
	OfferLookup OfferLookup
	DeadLetters DeadLetters
	Requeuer    Requeuer
	Rotation    Rotation
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Router builds the echo instance with every route registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(telemetry.WithHTTPRoute())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	e.POST("/jobs/:kind", s.handleEnqueue)
	e.POST("/cache/invalidate", s.handleInvalidate)
	e.POST("/orders/:id/accept", s.handleAccept)
	e.POST("/orders/:id/reopen", s.handleReopen)
	e.GET("/orders/:id/offers/:courier_id", s.handleOfferStatus)
	e.GET("/terminals/:id/rotation", s.handleRotation)
	e.GET("/deadletters", s.handleListDeadLetters)
	e.POST("/deadletters/:id/requeue", s.handleRequeue)
	e.POST("/partner/callback", s.handlePartnerCallback)

	return e
}

type enqueueResponse struct {
	Kind jobs.Kind `json:"kind"`
	Key  string    `json:"key"`
}

// handleEnqueue accepts a payload for any known kind. It is how collaborator
// services hand work to the dispatcher.
func (s *Server) handleEnqueue(c echo.Context) error {
	kind := jobs.Kind(c.Param("kind"))
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid request body")
	}

	p, err := jobs.DecodePayload(kind, body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, err.Error())
	}

	return s.enqueue(c, p)
}

func (s *Server) enqueue(c echo.Context, p jobs.Payload) error {
	if err := s.deps.Bus.Enqueue(c.Request().Context(), p); err != nil {
		s.logger.Error("failed to enqueue job", "error", err, "kind", p.Kind())
		return s.writeError(c, http.StatusServiceUnavailable, "failed to enqueue job")
	}
	return c.JSON(http.StatusAccepted, enqueueResponse{Kind: p.Kind(), Key: p.Key()})
}

// handlePartnerCallback receives claim updates from the logistics partner and
// queues them so they are applied in order per order id.
func (s *Server) handlePartnerCallback(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid request body")
	}

	p, err := jobs.DecodePayload(jobs.KindYandexCallback, body)
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, err.Error())
	}

	return s.enqueue(c, p)
}

func (s *Server) handleInvalidate(c echo.Context) error {
	var inv cache.Invalidation
	if err := c.Bind(&inv); err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid request body")
	}
	if _, err := cache.ParseKind(string(inv.Kind)); err != nil {
		return s.writeError(c, http.StatusBadRequest, err.Error())
	}

	if err := s.deps.Invalidator.Invalidate(c.Request().Context(), inv); err != nil {
		s.logger.Error("failed to invalidate cache", "error", err, "kind", inv.Kind, "id", inv.ID)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
	return c.NoContent(http.StatusNoContent)
}

type acceptRequest struct {
	CourierID string `json:"courier_id"`
}

func (s *Server) handleAccept(c echo.Context) error {
	orderID := c.Param("id")
	var req acceptRequest
	if err := c.Bind(&req); err != nil || req.CourierID == "" {
		return s.writeError(c, http.StatusBadRequest, "courier_id is required")
	}

	err := s.deps.Offers.AcceptOffer(c.Request().Context(), orderID, req.CourierID)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrOrderClosed), errors.Is(err, dispatch.ErrAlreadyAssigned):
		return s.writeError(c, http.StatusConflict, err.Error())
	case domain.IsStructural(err):
		return s.writeError(c, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("failed to accept offer", "error", err, "order_id", orderID, "courier_id", req.CourierID)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleReopen(c echo.Context) error {
	orderID := c.Param("id")
	outcome, err := s.deps.Offers.Reopen(c.Request().Context(), orderID)
	if err != nil {
		if domain.IsStructural(err) {
			return s.writeError(c, http.StatusNotFound, err.Error())
		}
		s.logger.Error("failed to reopen order", "error", err, "order_id", orderID)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, map[string]dispatch.Outcome{"outcome": outcome})
}

// handleOfferStatus lets a courier app check whether its offer is still open.
func (s *Server) handleOfferStatus(c echo.Context) error {
	orderID, courierID := c.Param("id"), c.Param("courier_id")
	status, err := s.deps.OfferLookup.OfferStatus(c.Request().Context(), orderID, courierID)
	if err != nil {
		s.logger.Error("failed to load offer", "error", err, "order_id", orderID, "courier_id", courierID)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
	if status == "" {
		return s.writeError(c, http.StatusNotFound, "offer not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"order_id": orderID, "courier_id": courierID, "status": status})
}

func (s *Server) handleRotation(c echo.Context) error {
	terminalID := c.Param("id")
	members, err := s.deps.Rotation.Members(c.Request().Context(), terminalID)
	if err != nil {
		s.logger.Error("failed to load rotation", "error", err, "terminal_id", terminalID)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
	if members == nil {
		members = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"terminal_id": terminalID, "couriers": members})
}

func (s *Server) handleListDeadLetters(c echo.Context) error {
	f := deadletter.ListFilter{
		Queue:   c.QueryParam("queue"),
		Pending: c.QueryParam("pending") == "true",
		Limit:   100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return s.writeError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = n
	}

	records, err := s.deps.DeadLetters.List(c.Request().Context(), f)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleRequeue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.writeError(c, http.StatusBadRequest, "invalid dead letter id")
	}

	job, err := s.deps.Requeuer.Requeue(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, enqueueResponse{Kind: job.Kind, Key: job.Payload.Key()})
	case errors.Is(err, deadletter.ErrNotFound):
		return s.writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, deadletter.ErrAlreadyRequeued):
		return s.writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, deadletter.ErrNotRequeueable):
		return s.writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("failed to requeue dead letter", "error", err, "id", id)
		return s.writeError(c, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
