package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/scribeforge/creditd/internal/observability/logger"
	paymentdomain "github.com/scribeforge/creditd/internal/payment/domain"
	"github.com/scribeforge/creditd/internal/payment/webhook"
	"go.uber.org/zap"
)

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req paymentdomain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.paymentSvc.CreateSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	signature := c.GetHeader(webhook.SignatureHeader)

	err = s.paymentSvc.HandleNotification(ctx, payload, signature)
	if err != nil {
		// Redelivery of a settled session and recognized-but-irrelevant
		// events are acknowledged so the provider stops resending.
		if errors.Is(err, paymentdomain.ErrDuplicateNotification) ||
			errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			logger.FromContext(ctx).Warn("webhook signature rejected",
				zap.String("remote_addr", c.ClientIP()),
			)
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
