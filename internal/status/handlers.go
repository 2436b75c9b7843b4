package status

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantflow/fxengine/internal/ledger"
	"github.com/quantflow/fxengine/internal/scheduler"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/transport"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "fxengine",
		"version": "1.0",
		"endpoints": []string{
			"/healthz",
			"/api/v1/status",
			"/api/v1/signals",
			"/api/v1/positions",
			"/api/v1/account",
			"/api/v1/eas",
			"/ws/signals",
		},
	})
}

// handleHealthz reports liveness. When a backend URL is configured its
// reachability is included without affecting the overall verdict.
func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if s.backend != "" {
		client := &http.Client{Timeout: 2 * time.Second}
		if r, err := client.Get(s.backend); err != nil {
			resp["backend"] = "unreachable"
		} else {
			r.Body.Close()
			resp["backend"] = "ok"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	var stats scheduler.Stats
	if s.sched != nil {
		stats = s.sched.Snapshot()
	}
	if stats.Skips == nil {
		stats.Skips = map[string]int{}
	}
	if stats.Failures == nil {
		stats.Failures = map[string]int{}
	}

	active := 0
	if s.board != nil {
		active = s.board.ActiveCount()
	}
	eas := 0
	if s.ea != nil {
		eas = s.ea.ReadyCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler":      stats,
		"active_signals": active,
		"connected_eas":  eas,
		"stream_clients": s.hub.ReadyCount(),
	})
}

func (s *Server) handleSignals(c *gin.Context) {
	sigs := []*signal.Signal{}
	if s.board != nil {
		sigs = s.board.Active()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(sigs),
		"signals": sigs,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := []ledger.Position{}
	if s.ledger != nil {
		positions = s.ledger.OpenPositions()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	var summary ledger.AccountSummary
	if s.ledger != nil {
		summary = s.ledger.Summary()
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleEAs(c *gin.Context) {
	eas := []transport.EAInfo{}
	if s.ea != nil {
		eas = s.ea.Connections()
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(eas),
		"eas":   eas,
	})
}
