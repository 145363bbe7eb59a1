package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAddress holds the authenticated wallet address.
	ContextKeyAddress = "authAddress"
	// contextKeyError holds why a signed request failed verification.
	contextKeyError = "authError"
)

// Middleware verifies signed requests and stores the signer in the
// context. Unsigned requests pass through unauthenticated; RequireAuth
// decides whether that is acceptable.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.GetHeader(HeaderSignature)
		if sig == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "request_too_large",
					"message": "Request body could not be read",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		addr, err := v.Verify(c.Request.Context(), c.Request.Method, c.Request.URL.RequestURI(), body,
			sig, c.GetHeader(HeaderNonce), c.GetHeader(HeaderExpires))
		if err != nil {
			c.Set(contextKeyError, err)
		} else {
			c.Set(ContextKeyAddress, addr)
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified signature.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Address(c); ok {
			c.Next()
			return
		}
		msg := "Sign the request with the wallet that owns the funds (" + HeaderSignature + ", " + HeaderNonce + ", " + HeaderExpires + ")."
		if v, ok := c.Get(contextKeyError); ok {
			if err, ok := v.(error); ok {
				msg = err.Error()
				if errors.Is(err, ErrReplayed) || errors.Is(err, ErrExpired) {
					msg += "; sign again with a new nonce"
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": msg,
		})
	}
}

// Address returns the authenticated wallet address, if any.
func Address(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextKeyAddress)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
