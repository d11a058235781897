package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/courtline/booking-engine/internal/middleware"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BookingService is the part of the lifecycle manager the user routes need
type BookingService interface {
	CreateBooking(ctx context.Context, userID uuid.UUID, req *models.CreateBookingRequest, idempotencyKey string) (*models.Booking, *models.PaymentIntent, error)
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, *models.PaymentIntent, error)
	ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Booking, error)
	ConfirmPayment(ctx context.Context, bookingID, userID uuid.UUID, req *models.ConfirmPaymentRequest) (*models.Booking, *models.PaymentIntent, error)
	Cancel(ctx context.Context, bookingID uuid.UUID, actor models.Actor, reason string) (*models.Booking, error)
}

// BookingViewer decides who may read a booking
type BookingViewer interface {
	CanView(ctx context.Context, userID uuid.UUID, b *models.Booking) bool
}

// BookingHandler handles the user-facing booking endpoints
type BookingHandler struct {
	bookings        BookingService
	viewer          BookingViewer
	processingAfter time.Duration
	logger          *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler. Pending bookings older than
// processingAfter are shown as "processing".
func NewBookingHandler(bookings BookingService, viewer BookingViewer, processingAfter time.Duration, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings:        bookings,
		viewer:          viewer,
		processingAfter: processingAfter,
		logger:          logger,
	}
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) response(b *models.Booking, intent *models.PaymentIntent) *models.BookingResponse {
	var handle *models.PaymentHandle
	if intent != nil {
		handle = intent.Handle()
	}
	return models.NewBookingResponse(b, handle, time.Now().UTC(), h.processingAfter)
}

// ============================================================================
// CREATE - POST /api/v1/bookings
// ============================================================================

// CreateBooking holds the selected components and returns the pending booking
// with its payment handle
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: "+err.Error())
		return
	}

	booking, intent, err := h.bookings.CreateBooking(c.Request.Context(), userCtx.UserID, &req, c.GetHeader("Idempotency-Key"))
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, h.response(booking, intent))
	case errors.Is(err, models.ErrPaymentAmbiguous) && booking != nil:
		h.logger.WithError(err).WithField("booking_id", booking.ID).Warn("Payment intent pending after retries")
		resp := h.response(booking, intent)
		resp.DisplayStatus = "processing"
		c.JSON(http.StatusAccepted, resp)
	default:
		respondError(c, h.logger, err)
	}
}

// ============================================================================
// READ - GET /api/v1/bookings, GET /api/v1/bookings/:id
// ============================================================================

// ListBookings lists the caller's bookings
func (h *BookingHandler) ListBookings(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	limit, offset := pagination(c)

	bookings, err := h.bookings.ListUserBookings(c.Request.Context(), userCtx.UserID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	items := make([]*models.BookingResponse, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, h.response(b, nil))
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings": items,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetBooking returns one booking to its user or the venue owner
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	booking, intent, err := h.bookings.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !h.viewer.CanView(c.Request.Context(), userCtx.UserID, booking) {
		respondError(c, h.logger, models.ErrUnauthorized)
		return
	}
	if booking.UserID != userCtx.UserID {
		// owners don't get the client secret
		intent = nil
	}

	c.JSON(http.StatusOK, h.response(booking, intent))
}

// ============================================================================
// PAYMENT / CANCEL
// ============================================================================

// ConfirmPayment handles POST /api/v1/bookings/:id/confirm-payment
func (h *BookingHandler) ConfirmPayment(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: "+err.Error())
		return
	}

	booking, intent, err := h.bookings.ConfirmPayment(c.Request.Context(), bookingID, userCtx.UserID, &req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.response(booking, intent))
	case errors.Is(err, models.ErrPaymentAmbiguous) && booking != nil:
		resp := h.response(booking, intent)
		resp.DisplayStatus = "processing"
		c.JSON(http.StatusAccepted, resp)
	default:
		respondError(c, h.logger, err)
	}
}

// CancelBooking handles POST /api/v1/bookings/:id/cancel for the booking user
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req cancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request: "+err.Error())
			return
		}
	}

	booking, err := h.bookings.Cancel(c.Request.Context(), bookingID, models.UserActor(userCtx.UserID), req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.response(booking, nil))
}

// ============================================================================
// HELPERS
// ============================================================================

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		respondBadRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
