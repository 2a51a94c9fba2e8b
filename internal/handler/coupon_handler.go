package handler

import (
	"context"
	"net/http"

	"commerce-relay/internal/domain/coupon"
	"commerce-relay/internal/services"
	"commerce-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type CouponIssuer interface {
	Publish(ctx context.Context, c coupon.Coupon) (coupon.Coupon, error)
	Issue(ctx context.Context, couponID, userID string) (coupon.AllocationResult, error)
	Status(ctx context.Context, couponID string) (services.CouponStatus, error)
}

type CouponHandler struct {
	service CouponIssuer
}

func NewCouponHandler(service CouponIssuer) *CouponHandler {
	return &CouponHandler{service: service}
}

func (h *CouponHandler) Publish(c *gin.Context) {
	var req httpdto.PublishCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	in := coupon.Coupon{ID: req.ID, Name: req.Name, Capacity: req.Capacity}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		in.ValidUntil = *req.ValidUntil
	}
	out, err := h.service.Publish(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(out))
}

// Issue answers synchronously from the allocator; persistence happens later
// in the allocation worker.
func (h *CouponHandler) Issue(c *gin.Context) {
	couponID := c.Param("id")
	var req httpdto.IssueCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	res, err := h.service.Issue(c.Request.Context(), couponID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Granted() {
		status = http.StatusAccepted
	}
	c.JSON(status, httpdto.NewSuccessResponse(httpdto.IssueCouponResponse{
		CouponID: couponID,
		UserID:   req.UserID,
		Outcome:  string(res.Outcome),
		Sequence: res.Sequence,
	}))
}

func (h *CouponHandler) Status(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.CouponStatusResponse{
		CouponID:   c.Param("id"),
		Capacity:   st.Capacity,
		Issued:     st.Issued,
		Persisted:  st.Persisted,
		QueueDepth: st.QueueDepth,
		Exhausted:  st.Exhausted,
	}))
}
