package payment

import (
	"net/http"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
	"github.com/gin-gonic/gin"
)

// Context keys set by Require for downstream handlers.
const (
	ContextPaymentID = "payment_id"
	ContextResource  = "payment_resource"
)

// Require gates a route behind a settled payment for resource. Requests
// without an entitled X-Payment-Id get a fresh 402 challenge.
func Require(svc *Service, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if id := c.GetHeader(x402.HeaderPaymentID); id != "" {
			ok, err := svc.CheckEntitlement(ctx, id, resource)
			if err != nil {
				logging.L(ctx).Error("entitlement check failed", "paymentId", id, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Could not check payment status",
				})
				c.Abort()
				return
			}
			if ok {
				c.Set(ContextPaymentID, id)
				c.Set(ContextResource, resource)
				c.Next()
				return
			}
		}

		challenge, err := svc.IssueChallenge(ctx, resource, c.Request.URL.RequestURI())
		if err != nil {
			logging.L(ctx).Error("failed to issue payment challenge", "resource", resource, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Could not issue payment challenge",
			})
			c.Abort()
			return
		}

		c.Header(x402.HeaderPaymentID, challenge.PaymentID())
		c.JSON(http.StatusPaymentRequired, challenge)
		c.Abort()
	}
}

// PaymentID returns the entitled payment id set by Require.
func PaymentID(c *gin.Context) string {
	return c.GetString(ContextPaymentID)
}
