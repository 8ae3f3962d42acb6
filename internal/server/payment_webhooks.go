package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody bounds how much of a notification body is read.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	s.handleWebhook(c, strings.TrimSpace(c.Param("provider")))
}

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	s.handleWebhook(c, "stripe")
}

func (s *Server) handleWebhook(c *gin.Context, provider string) {
	if provider == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warn("payment webhook body too large", zap.String("provider", provider))
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	ack := s.webhooks.Handle(c.Request.Context(), provider, payload, c.Request.Header)
	c.JSON(ack.Status, ack.Body)
}
