package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/pagination"
)

// MaxBodyBytes caps the size of an inbound event payload.
const MaxBodyBytes = 1 << 20

// Handler exposes the processor over HTTP.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new webhook handler.
func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

// RegisterRoutes sets up the unauthenticated receiver route.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.Receive)
}

// RegisterAdminRoutes sets up the operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhook-events", h.ListEvents)
	r.GET("/webhook-events/:id", h.GetEvent)
	r.POST("/webhook-events/:id/replay", h.ReplayEvent)
}

// Receive handles POST /webhooks/stripe. Success carries no body; the
// processing outcome is reported in the X-Webhook-Outcome header.
func (h *Handler) Receive(c *gin.Context) {
	if !h.processor.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "webhook receiver is not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "could not read request body"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.processor.Ingest(ctx, payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		logging.L(ctx).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "webhook signature verification failed"})
		return
	case errors.Is(err, ErrUndecodable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	case errors.Is(err, ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "in_flight", "message": "event is still being processed"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed", "message": "event could not be processed, retry later"})
		return
	}

	c.Header("X-Webhook-Outcome", string(res.Outcome))
	c.Status(http.StatusOK)
}

// ListEvents handles GET /v1/admin/webhook-events.
func (h *Handler) ListEvents(c *gin.Context) {
	page, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	outcome := Outcome(c.Query("outcome"))
	if outcome != "" && outcome != OutcomeProcessing && !outcome.Settled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown outcome"})
		return
	}

	events, total, err := h.processor.List(c.Request.Context(), outcome, page)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list events"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "pagination": pagination.MetaFor(page, total)})
}

// GetEvent handles GET /v1/admin/webhook-events/:id.
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.processor.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "event not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// ReplayEvent handles POST /v1/admin/webhook-events/:id/replay.
func (h *Handler) ReplayEvent(c *gin.Context) {
	res, err := h.processor.Replay(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "event not found"})
		return
	case errors.Is(err, ErrNotReplayable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_replayable", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": "replay_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
