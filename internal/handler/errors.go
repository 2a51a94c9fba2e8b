// Package handler provides HTTP handlers for API endpoints.
package handler

import (
	"net/http"

	"commerce-relay/internal/services"
	"commerce-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

func writeError(c *gin.Context, err error) {
	status := services.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// details stay in the logs
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, httpdto.NewErrorResponse(msg, errorCode(status)))
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "COUPON_NOT_ACTIVE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}
