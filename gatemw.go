package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	gateCookieName = "ll_gate"
	gateHeader     = "X-Gate-Id"
	gateCtxKey     = "gateSession"
)

func setGateCookie(c *gin.Context, id string, secureCookies bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     gateCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	c.Header(gateHeader, id)
}

func clearGateCookie(c *gin.Context, secureCookies bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     gateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// CurrentGate resolves the caller's gate session from the X-Gate-Id header
// or the gate cookie and stores it on the context.
func CurrentGate(gates *GateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(gateHeader)
		if id == "" {
			id, _ = c.Cookie(gateCookieName)
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no gate session"})
			return
		}
		s, err := gates.Get(id)
		if errors.Is(err, ErrGateSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "gate session not found"})
			return
		}
		c.Set(gateCtxKey, s)
		c.Next()
	}
}

func gateFrom(c *gin.Context) *GateSession {
	v, _ := c.Get(gateCtxKey)
	s, _ := v.(*GateSession)
	return s
}
