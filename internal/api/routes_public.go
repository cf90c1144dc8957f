package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pspdrp/companion/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pspdrp",
		"version": s.version,
	})
}

// handleGetInfo returns host information and the live device count.
func (s *Server) handleGetInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	devices := 0
	if s.deps.Devices != nil {
		devices = len(s.deps.Devices.List())
	}

	c.JSON(http.StatusOK, gin.H{
		"version":         s.version,
		"hostname":        sysInfo.Hostname,
		"platform":        sysInfo.Platform,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
		"devices":         devices,
		"usage_tracking":  s.deps.Usage != nil,
	})
}
