package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
)

func (s *Server) GetSubscriptionStatus(c *gin.Context) {
	resp, err := s.subscriptionSvc.Status(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	account := accountID(c)

	result, err := s.subscriptionSvc.Cancel(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if len(result.Effects) > 0 {
		s.dispatcher.Dispatch(c.Request.Context(), account, result.Effects)
	}

	resp, err := s.subscriptionSvc.Status(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// UpgradeSubscription starts a plan change. The change itself only lands
// when the gateway confirms payment for the new plan, so this is just an
// order for that payment.
func (s *Server) UpgradeSubscription(c *gin.Context) {
	var req paymentdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.CreateOrder(c.Request.Context(), accountID(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) CheckFeatureAccess(c *gin.Context) {
	feature := strings.TrimSpace(c.Param("feature"))
	if feature == "" {
		AbortWithError(c, newValidationError("feature", "invalid_feature", "feature is required"))
		return
	}

	decision, err := s.featureSvc.Check(c.Request.Context(), accountID(c), feature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}
