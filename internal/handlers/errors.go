package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"fairdraw/internal/drawerr"
)

// statusOf maps an error kind to an HTTP status.
func statusOf(kind drawerr.Kind) int {
	switch kind {
	case drawerr.KindNotFound:
		return http.StatusNotFound
	case drawerr.KindInvalidDefinition, drawerr.KindInvalidRequest:
		return http.StatusBadRequest
	case drawerr.KindAlreadyInitialized, drawerr.KindNotSoldOut, drawerr.KindOutOfStock,
		drawerr.KindInvalidNonce, drawerr.KindTicketUnavailable, drawerr.KindNotActive, drawerr.KindConflict:
		return http.StatusConflict
	case drawerr.KindCommitmentMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError renders err with its kind and detail fields.
func writeError(c *gin.Context, err error) {
	var de *drawerr.Error
	if !errors.As(err, &de) {
		logger.Errorf("Unhandled error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"})
		return
	}

	body := gin.H{
		"error":     de.Kind,
		"message":   de.Error(),
		"retryable": de.Kind.Retryable(),
	}
	if de.Nonce != 0 {
		body["nonce"] = de.Nonce
	}
	if de.Expected != 0 {
		body["expected_nonce"] = de.Expected
	}
	if de.Ticket != 0 {
		body["ticket"] = de.Ticket
	}
	if de.Tier != "" {
		body["tier"] = de.Tier
	}
	c.JSON(statusOf(de.Kind), body)
}
