package handler

import (
	"context"
	"net/http"
	"strconv"

	"commerce-relay/internal/domain/outbox"
	relayoutbox "commerce-relay/internal/outbox"
	"commerce-relay/internal/services"
	"commerce-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// DeadLetterAdmin is the slice of the dead-letter service the admin API uses.
type DeadLetterAdmin interface {
	List(ctx context.Context, limit, offset int) ([]outbox.DeadLetterEvent, int64, error)
	Get(ctx context.Context, id int64) (outbox.DeadLetterEvent, error)
	Retry(ctx context.Context, id int64, operatorID string) (outbox.PendingEvent, error)
	ResolveManually(ctx context.Context, id int64, operatorID, note string) error
	Stats(ctx context.Context) (relayoutbox.Stats, error)
}

// DeadLetterHandler serves the operator endpoints for quarantined events.
type DeadLetterHandler struct {
	service DeadLetterAdmin
}

func NewDeadLetterHandler(service DeadLetterAdmin) *DeadLetterHandler {
	return &DeadLetterHandler{service: service}
}

func (h *DeadLetterHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid limit", "INVALID_REQUEST"))
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid offset", "INVALID_REQUEST"))
		return
	}

	items, total, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.DeadLetterDTO, 0, len(items))
	for _, dl := range items {
		out = append(out, httpdto.NewDeadLetterDTO(dl))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.DeadLetterListResponse{
		Items:  out,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}))
}

func (h *DeadLetterHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	dl, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewDeadLetterDTO(dl)))
}

// Retry requeues the snapshot as a new pending event with a fresh retry budget.
func (h *DeadLetterHandler) Retry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	operatorID, _ := services.OperatorIDFromContext(c.Request.Context())
	e, err := h.service.Retry(c.Request.Context(), id, operatorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.RetryResponse{
		DeadLetterID: id,
		EventID:      e.ID,
		EventType:    e.EventType,
		Status:       string(e.Status()),
	}))
}

func (h *DeadLetterHandler) Resolve(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req httpdto.ResolveDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	operatorID, _ := services.OperatorIDFromContext(c.Request.Context())
	if err := h.service.ResolveManually(c.Request.Context(), id, operatorID, req.Note); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"id": id, "resolved": true}))
}

func (h *DeadLetterHandler) Stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.StatsResponse{
		PendingEvents:         st.PendingEvents,
		UnresolvedDeadLetters: st.UnresolvedDeadLetters,
	}))
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid dead letter id", "INVALID_REQUEST"))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
