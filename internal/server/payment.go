package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
)

const gatewayRetryAfterSeconds = "30"

func (s *Server) CreateOrder(c *gin.Context) {
	var req paymentdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.CreateOrder(c.Request.Context(), accountID(c), req)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
			c.Header("Retry-After", gatewayRetryAfterSeconds)
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) VerifyPayment(c *gin.Context) {
	var req paymentdomain.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.VerifyCheckout(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			// The checkout callback comes from the browser, so a forged
			// signature is a client error here, not an auth failure.
			c.JSON(http.StatusBadRequest, gin.H{
				"verified": false,
				"message":  "verification failed",
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
