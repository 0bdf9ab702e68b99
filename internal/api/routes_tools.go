package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/seerlink-project/seerlink/internal/events"
)

const maxJournalLimit = 1000

type captchaAnswer struct {
	Answer string `json:"answer" binding:"required"`
}

type configUpdate struct {
	Field string      `json:"field" binding:"required"`
	Value interface{} `json:"value"`
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.Journal == nil {
		unavailable(c, "journal")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxJournalLimit)

	entries, err := s.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleJournalCommands(c *gin.Context) {
	if s.Journal == nil {
		unavailable(c, "journal")
		return
	}

	counts, err := s.Journal.CountByCommand(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": counts})
}

func (s *Server) handleGetCaptcha(c *gin.Context) {
	if s.Captcha == nil {
		unavailable(c, "api captcha mode")
		return
	}

	ch, ok := s.Captcha.Pending()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"pending": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": true,
		"attempt": ch.Attempt,
		"path":    ch.Path,
		"image":   "/api/captcha/image",
	})
}

func (s *Server) handleGetCaptchaImage(c *gin.Context) {
	if s.Captcha == nil {
		unavailable(c, "api captcha mode")
		return
	}

	ch, ok := s.Captcha.Pending()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no captcha pending"})
		return
	}
	c.Data(http.StatusOK, "image/bmp", ch.Bitmap)
}

func (s *Server) handleAnswerCaptcha(c *gin.Context) {
	if s.Captcha == nil {
		unavailable(c, "api captcha mode")
		return
	}

	var req captchaAnswer
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Captcha.Answer(req.Answer); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "submitted"})
}

func (s *Server) handleListScripts(c *gin.Context) {
	if s.Scripts == nil {
		unavailable(c, "scripting")
		return
	}

	names, err := s.Scripts.List()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scripts": names})
}

func (s *Server) handleRunScript(c *gin.Context) {
	if s.Scripts == nil {
		unavailable(c, "scripting")
		return
	}

	report, err := s.Scripts.RunNamed(c.Request.Context(), c.Param("name"))
	if err != nil {
		if report != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error(), "report": report})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	account := s.Config.GetAccount()
	account.Password = ""

	app := s.Config.GetApplicationData()
	app.API.Token = ""
	app.MQTT.Password = ""

	c.JSON(http.StatusOK, gin.H{
		"account":          account,
		"network":          s.Config.GetNetwork(),
		"application_data": app,
	})
}

func (s *Server) handleSetConfig(c *gin.Context) {
	var req configUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Config.UpdateField(req.Field, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Config.Save(); err != nil {
		abortWithError(c, err)
		return
	}

	if s.EventBus != nil {
		section, key, _ := strings.Cut(req.Field, ".")
		value := req.Value
		if req.Field == "account.password" {
			value = "***"
		}
		s.EventBus.Emit(context.WithoutCancel(c.Request.Context()), events.Event{
			Type:    events.EventConfigChanged,
			Source:  "api",
			Payload: events.ConfigChangedPayload{Section: section, Key: key, Value: value},
		})
	}

	s.logger.Info().Str("field", req.Field).Msg("configuration updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "field": req.Field})
}
