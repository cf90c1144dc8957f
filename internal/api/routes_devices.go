package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/router"
	"github.com/pspdrp/companion/internal/session"
)

// deviceFromPath resolves /:transport/:addr to a live session, writing the
// error response itself when it cannot.
func (s *Server) deviceFromPath(c *gin.Context) (session.Info, bool) {
	id, err := session.ParseIdentity(c.Param("transport") + "/" + c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return session.Info{}, false
	}
	if s.deps.Devices == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found", "device": id.String()})
		return session.Info{}, false
	}
	info, ok := s.deps.Devices.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found", "device": id.String()})
		return session.Info{}, false
	}
	return info, true
}

// handleListDevices returns every live session.
func (s *Server) handleListDevices(c *gin.Context) {
	devices := []session.Info{}
	if s.deps.Devices != nil {
		devices = append(devices, s.deps.Devices.List()...)
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

// handleGetDevice returns one session.
func (s *Server) handleGetDevice(c *gin.Context) {
	info, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, info)
}

// commandStatus maps router errors onto HTTP statuses.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrNoTransport):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleRequestIcon asks a device for the icon of a game. The game defaults
// to whatever the device is currently running.
func (s *Server) handleRequestIcon(c *gin.Context) {
	info, ok := s.deviceFromPath(c)
	if !ok {
		return
	}

	gameID := c.Query("game_id")
	if gameID == "" && info.CurrentGame != nil {
		gameID = info.CurrentGame.GameID
	}
	if gameID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game_id required: device reports no game"})
		return
	}
	if s.deps.Commands == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command router unavailable"})
		return
	}

	if err := s.deps.Commands.RequestIcon(info.Identity, gameID); err != nil {
		log.Warn().Err(err).Str("device", info.ID).Msg("API: icon request failed")
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("device", info.ID).Str("game", gameID).Msg("API: icon requested")
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"device":  info.ID,
		"game_id": gameID,
	})
}

// handlePushStatistics sends the usage export to a device unasked.
func (s *Server) handlePushStatistics(c *gin.Context) {
	info, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	if s.deps.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage tracking disabled"})
		return
	}

	if err := s.deps.Stats.SendStatistics(info.ID); err != nil {
		log.Warn().Err(err).Str("device", info.ID).Msg("API: statistics push failed")
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
		"device": info.ID,
	})
}

// handleListIcons lists cached icons.
func (s *Server) handleListIcons(c *gin.Context) {
	if s.deps.Icons == nil {
		c.JSON(http.StatusOK, gin.H{"icons": []db.IconInfo{}, "total": 0})
		return
	}
	icons, err := s.deps.Icons.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if icons == nil {
		icons = []db.IconInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"icons": icons, "total": len(icons)})
}

// handleGetIcon serves the raw icon bytes of a game.
func (s *Server) handleGetIcon(c *gin.Context) {
	if s.deps.Icons == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "icon cache disabled"})
		return
	}
	data, err := s.deps.Icons.Get(c.Param("game_id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "icon not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
