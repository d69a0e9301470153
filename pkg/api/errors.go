package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SynidSweet/the-system/pkg/store"
)

// respondError maps store and runtime errors to HTTP responses. Validation
// errors become 400s with the field message; unknown entities become 404s;
// anything else is logged and reported as a 500 without leaking internals.
func respondError(c *gin.Context, err error) {
	if store.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	slog.Error("Unexpected API error", "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
