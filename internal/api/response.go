package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Error types carried in the response envelope.
const (
	ErrTypeUnauthorized = "unauthorized"
	ErrTypeValidation   = "validation_error"
	ErrTypeNotFound     = "not_found"
	ErrTypeConflict     = "conflict"
	ErrTypeRateLimited  = "rate_limited"
	ErrTypeUpstream     = "upstream_error"
	ErrTypeServer       = "server_error"
)

// Envelope is the uniform response shape for every endpoint.
type Envelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type Meta struct {
	Count int `json:"count,omitempty"`
	Limit int `json:"limit,omitempty"`
}

func respondOK(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, Envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func respondCreated(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusCreated, Envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func respondList(c *gin.Context, data interface{}, count int) {
	c.JSON(http.StatusOK, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Meta:      &Meta{Count: count},
	})
}

func respondError(c *gin.Context, status int, errType, message string, details interface{}) {
	c.JSON(status, Envelope{
		Success:   false,
		Timestamp: time.Now().UTC(),
		Error:     &APIError{Type: errType, Message: message, Details: details},
	})
}

func badRequest(c *gin.Context, message string, details interface{}) {
	respondError(c, http.StatusBadRequest, ErrTypeValidation, message, details)
}

func notFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, ErrTypeNotFound, message, nil)
}

func forbidden(c *gin.Context, message string) {
	respondError(c, http.StatusForbidden, ErrTypeUnauthorized, message, nil)
}

func conflict(c *gin.Context, message string) {
	respondError(c, http.StatusConflict, ErrTypeConflict, message, nil)
}

func serverError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrTypeServer, message, nil)
}

func upstreamError(c *gin.Context, message string) {
	respondError(c, http.StatusBadGateway, ErrTypeUpstream, message, nil)
}
