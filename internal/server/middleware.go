package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	obscontext "github.com/smallbiznis/subgate/internal/observability/context"
)

const contextAccountIDKey = "account_id"

// AuthRequired resolves the bearer token into an account id. Handlers
// read the id via accountID(c); the request context carries it too so
// downstream logs pick it up.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.authVerifier.Verify(token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAccountIDKey, principal.AccountID)
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), principal.AccountID))
		c.Next()
	}
}

// AdminRequired gates operator endpoints on the shared admin token. An
// empty configured token disables the surface entirely.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.cfg.AdminToken
		got := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if want == "" || got == "" {
			AbortWithError(c, ErrForbidden)
			return
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// RateLimit applies the shared token bucket per account (per client IP
// for unauthenticated routes). A nil bucket allows everything, so the
// limiter is an opt-in deployment concern.
func (s *Server) RateLimit(endpoint string, rate float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.bucket == nil {
			c.Next()
			return
		}

		subject := accountID(c)
		if subject == "" {
			subject = c.ClientIP()
		}

		res, err := s.bucket.Allow(c.Request.Context(), "rl:"+endpoint+":"+subject, rate, burst)
		if err != nil {
			// Redis trouble must not take the API down.
			s.log.Warn("rate limiter unavailable", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}

		if !res.Allowed {
			s.metrics.RecordRateLimitDenied(c.Request.Context(), endpoint, "bucket_empty")
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			AbortWithError(c, ErrTooManyRequest)
			return
		}

		s.metrics.RecordRateLimitAllowed(c.Request.Context(), endpoint)
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	v, ok := c.Get(contextAccountIDKey)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
