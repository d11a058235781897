package handlers

import (
	"errors"
	"net/http"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// respondError maps lifecycle errors onto HTTP responses
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		conflict  *models.SlotConflictError
		selection *models.SelectionError
	)

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":       "slot_conflict",
			"message":     "Some of the selected components are not available at this time",
			"unavailable": conflict.Unavailable,
		})
	case errors.As(err, &selection):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "selection_invalid",
			"message": selection.Error(),
			"field":   selection.Field,
		})
	case errors.Is(err, models.ErrHoldExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "hold_expired",
			"message": "Your reservation expired before payment completed. Any charge will be refunded.",
		})
	case errors.Is(err, models.ErrPaymentFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_failed",
			"message": "Payment could not be completed. Please try again.",
		})
	case errors.Is(err, models.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not allowed to act on this booking",
		})
	case errors.Is(err, models.ErrBookingNotFound), errors.Is(err, models.ErrIntentNotFound), errors.Is(err, models.ErrVenueNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrConcurrentModification),
		errors.Is(err, models.ErrCancellationWindowClosed),
		errors.Is(err, models.ErrNotElapsed),
		errors.Is(err, models.ErrIntentMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	default:
		logger.WithError(err).WithField("path", c.FullPath()).Error("Unhandled booking error")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong, please try again",
		})
	}
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}
