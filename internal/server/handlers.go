package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/service"
)

type webhookRequest struct {
	SessionID       string `json:"sessionId" binding:"required"`
	Outcome         string `json:"outcome" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId"`
	Reason          string `json:"reason"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.health.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		if order != nil && errors.Is(err, domain.ErrInvalidOrder) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "order": order})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCheckout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := s.orders.Checkout(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCompleteOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	f, err := s.fulfillment.CompleteManually(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) handleGetCertificate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cert, err := s.orders.CertificateForOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (s *Server) handleWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := payment.ParseOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var f *service.Fulfillment
	switch outcome {
	case payment.OutcomeSucceeded:
		f, err = s.fulfillment.CompleteFromGatewayEvent(ctx, req.SessionID, req.PaymentIntentID)
	case payment.OutcomeFailed, payment.OutcomeExpired:
		reason := req.Reason
		if reason == "" {
			reason = string(outcome)
		}
		f, err = s.fulfillment.FailFromGatewayEvent(ctx, req.SessionID, reason)
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "outcome": outcome})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) handleRefund(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := s.fulfillment.Refund(c.Request.Context(), id, req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrFulfillmentIncomplete), errors.Is(err, domain.ErrOrderBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
