package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pspdrp/companion/internal/db"
)

const defaultTopCount = 3

// requireUsage writes 503 when usage tracking is off.
func (s *Server) requireUsage(c *gin.Context) bool {
	if s.deps.Usage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage tracking disabled"})
		return false
	}
	return true
}

// handleUsageGames returns per-title totals. Hidden games are included with
// ?hidden=true.
func (s *Server) handleUsageGames(c *gin.Context) {
	if !s.requireUsage(c) {
		return
	}
	includeHidden, _ := strconv.ParseBool(c.DefaultQuery("hidden", "false"))
	games, err := s.deps.Usage.Games(includeHidden)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if games == nil {
		games = []db.GameStats{}
	}
	lastUpdated, _ := s.deps.Usage.LastUpdated()
	c.JSON(http.StatusOK, gin.H{
		"games":        games,
		"total":        len(games),
		"last_updated": lastUpdated,
	})
}

// handleUsageTop returns the most played titles, ?n= defaulting to three.
func (s *Server) handleUsageTop(c *gin.Context) {
	if !s.requireUsage(c) {
		return
	}
	n := defaultTopCount
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
			return
		}
		n = v
	}
	games, err := s.deps.Usage.TopPlayed(n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if games == nil {
		games = []db.GameStats{}
	}
	c.JSON(http.StatusOK, gin.H{"games": games})
}

// handleUsageDates returns each date with play activity and its titles.
func (s *Server) handleUsageDates(c *gin.Context) {
	if !s.requireUsage(c) {
		return
	}
	dates, err := s.deps.Usage.PlayDates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates})
}

// handleUsageDay returns playtime per title on one date (YYYY-MM-DD).
func (s *Server) handleUsageDay(c *gin.Context) {
	if !s.requireUsage(c) {
		return
	}
	date := c.Param("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	stats, err := s.deps.Usage.Day(date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if stats == nil {
		stats = []db.DayStats{}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "games": stats})
}

type hiddenRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

// handleSetHidden hides or shows a game in usage listings.
func (s *Server) handleSetHidden(c *gin.Context) {
	if !s.requireUsage(c) {
		return
	}
	var req hiddenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"hidden\": bool}"})
		return
	}

	gameID := c.Param("game_id")
	err := s.deps.Usage.SetHidden(gameID, *req.Hidden)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"game_id": gameID, "hidden": *req.Hidden})
}
