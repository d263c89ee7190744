package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type GateAnswerReq struct {
	Answer string `json:"answer"`
}

// GET /gate?app=NAME
func OpenGate(gates *GateManager, secureCookies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := gates.Open(c.Query("app"))
		setGateCookie(c, s.ID, secureCookies)

		status := http.StatusOK
		switch {
		case errors.Is(err, ErrNoAppSpecified):
			status = http.StatusBadRequest
		case errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrNoQuestionsAvailable):
			status = http.StatusNotFound
		}
		c.JSON(status, s.View())
	}
}

// GET /api/v1/gate
func GetGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gateFrom(c).View())
	}
}

// POST /api/v1/gate/answer
func SubmitGateAnswer() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := gateFrom(c)
		var req GateAnswerReq
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}

		// the attempt write finishes even if the client goes away
		ctx := context.WithoutCancel(c.Request.Context())
		res, err := s.Submit(ctx, req.Answer)
		switch {
		case err == nil:
		case errors.Is(err, ErrEmptyAnswer):
			c.JSON(http.StatusBadRequest, gin.H{"error": "answer required"})
			return
		case errors.Is(err, ErrCooldownActive):
			v := s.View()
			c.JSON(http.StatusConflict, gin.H{
				"error":             "cooldown active",
				"cooldownRemaining": v.CooldownRemaining,
			})
			return
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.State()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result": res,
			"gate":   s.View(),
		})
	}
}

// GET /api/v1/gate/continue
// Redirects to the app's deep link; ?redirect=false returns it as JSON.
func ContinueGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := gateFrom(c)
		link, err := s.DeepLink()
		switch {
		case err == nil:
		case errors.Is(err, ErrGateNotUnlocked):
			c.JSON(http.StatusConflict, gin.H{"error": "gate is locked", "state": s.State()})
			return
		case errors.Is(err, ErrNoLinkConfigured):
			c.JSON(http.StatusConflict, gin.H{"error": "Add an app link in App Assignments to continue"})
			return
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "could not open app link"})
			return
		}

		if c.Query("redirect") == "false" {
			c.JSON(http.StatusOK, gin.H{"url": link})
			return
		}
		c.Redirect(http.StatusFound, link)
	}
}

// DELETE /api/v1/gate
func CloseGate(gates *GateManager, secureCookies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := gateFrom(c)
		if err := gates.Close(s.ID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "gate session not found"})
			return
		}
		clearGateCookie(c, secureCookies)
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	}
}
