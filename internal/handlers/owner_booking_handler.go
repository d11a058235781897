package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/courtline/booking-engine/internal/middleware"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OwnerGateway is the owner action surface
type OwnerGateway interface {
	UpdateStatus(ctx context.Context, ownerID, bookingID uuid.UUID, req *models.UpdateBookingStatusRequest) (*models.Booking, error)
	ListVenueBookings(ctx context.Context, ownerID, venueID uuid.UUID, limit, offset int) ([]*models.Booking, error)
}

// OwnerBookingHandler handles venue owner booking endpoints
type OwnerBookingHandler struct {
	gateway         OwnerGateway
	processingAfter time.Duration
	logger          *logrus.Logger
}

// NewOwnerBookingHandler creates a new OwnerBookingHandler
func NewOwnerBookingHandler(gateway OwnerGateway, processingAfter time.Duration, logger *logrus.Logger) *OwnerBookingHandler {
	return &OwnerBookingHandler{
		gateway:         gateway,
		processingAfter: processingAfter,
		logger:          logger,
	}
}

// UpdateStatus handles PUT /api/v1/bookings/:id/status
func (h *OwnerBookingHandler) UpdateStatus(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateBookingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: "+err.Error())
		return
	}

	booking, err := h.gateway.UpdateStatus(c.Request.Context(), userCtx.UserID, bookingID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"owner_id":   userCtx.UserID,
		"requested":  req.Status,
		"status":     booking.Status,
	}).Info("Owner updated booking")

	c.JSON(http.StatusOK, models.NewBookingResponse(booking, nil, time.Now().UTC(), h.processingAfter))
}

// ListVenueBookings handles GET /api/v1/owner/venues/:venueId/bookings
func (h *OwnerBookingHandler) ListVenueBookings(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	venueID, ok := parseID(c, "venueId")
	if !ok {
		return
	}
	limit, offset := pagination(c)

	bookings, err := h.gateway.ListVenueBookings(c.Request.Context(), userCtx.UserID, venueID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	now := time.Now().UTC()
	items := make([]*models.BookingResponse, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, models.NewBookingResponse(b, nil, now, h.processingAfter))
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings": items,
		"limit":    limit,
		"offset":   offset,
	})
}
