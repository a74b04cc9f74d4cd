// Package statusapi exposes a read-only JSON view of daemon state over
// HTTP for operators, grounded on the REST layer
// guiperry-HASHER/cmd/driver/hasher-host/main.go builds with Gin. It never
// touches the frame protocol and cannot mutate registry state.
package statusapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"brickd/internal/registry"
)

// DeviceCounter is the narrow capability the status API needs from the
// hotplug controller.
type DeviceCounter interface {
	ActiveCount() int
}

// Server wraps a Gin engine serving /status, /devices, and /clients.
type Server struct {
	engine *gin.Engine
}

// New builds the status API against reg and hotplug. version is reported
// verbatim on /status.
func New(reg *registry.Registry, hotplug DeviceCounter, version string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/")
	{
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"version":     version,
				"devices":     reg.DeviceCount(),
				"clients":     reg.ClientCount(),
				"usb_claimed": hotplug.ActiveCount(),
			})
		})
		api.GET("/devices", func(c *gin.Context) {
			snapshot := reg.Snapshot()
			devices := make([]gin.H, 0, len(snapshot))
			for global, dev := range snapshot {
				devices = append(devices, gin.H{
					"global_id": global,
					"uid":       fmt.Sprintf("%x", dev.UID),
					"name":      dev.Name,
				})
			}
			c.JSON(http.StatusOK, gin.H{"devices": devices})
		})
		api.GET("/clients", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"count": reg.ClientCount()})
		})
	}

	return &Server{engine: router}
}

// Serve blocks, serving HTTP on addr until it fails or the listener closes.
func (s *Server) Serve(addr string) error {
	return s.engine.Run(addr)
}
