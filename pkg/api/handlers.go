package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/gin-gonic/gin"
)

// ProtocolInfo describes a registered protocol
type ProtocolInfo struct {
	ID    protocol.ID         `json:"id"`
	Name  string              `json:"name"`
	Steps []protocol.StepInfo `json:"steps"`
}

// InboundRequest posts a raw envelope to the engine.
// Channel is "local" or "asymmetric"; Payload is base64 in JSON.
type InboundRequest struct {
	Owned   identity.Identity `json:"owned"`
	Payload []byte            `json:"payload"`
	Channel string            `json:"channel"`
}

type InboundResponse struct {
	Outcome string `json:"outcome"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"protocols": len(s.engine.Definitions()),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleProtocols handles GET /api/v1/protocols
func (s *Server) handleProtocols(c *gin.Context) {
	defs := s.engine.Definitions()
	out := make([]ProtocolInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, ProtocolInfo{ID: d.ID(), Name: d.Name(), Steps: d.Steps()})
	}
	c.JSON(http.StatusOK, out)
}

// handleInstances handles GET /api/v1/instances?owned=<identity>
func (s *Server) handleInstances(c *gin.Context) {
	owned, ok := s.ownedParam(c, true)
	if !ok {
		return
	}
	instances, err := s.engine.Instances(c.Request.Context(), owned)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list instances", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, instances)
}

// handleNotifications handles GET /api/v1/notifications?since=<seq>&owned=<identity>
func (s *Server) handleNotifications(c *gin.Context) {
	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid since", Message: "since must be a sequence number"})
			return
		}
		since = n
	}
	owned, ok := s.ownedParam(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.notifications.Since(since, owned))
}

// handleInbound handles POST /api/v1/inbound
func (s *Server) handleInbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if req.Owned.IsZero() || len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "owned and payload are required"})
		return
	}

	in := protocol.Inbound{Owned: req.Owned, Raw: req.Payload}
	switch req.Channel {
	case "", "local":
		in.Channel = protocol.ReceptionChannel{Kind: protocol.ChannelLocal, RemoteIdentity: req.Owned}
	case "asymmetric":
		in.Channel = protocol.ReceptionChannel{Kind: protocol.ChannelAsymmetric}
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid channel", Message: "channel must be local or asymmetric"})
		return
	}

	outcome, err := s.engine.ProvideInboundMessage(c.Request.Context(), in)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Message not processed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, InboundResponse{Outcome: outcome.String()})
}

// handleGC handles POST /api/v1/gc
func (s *Server) handleGC(c *gin.Context) {
	stats, err := s.engine.CollectGarbage(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Garbage collection failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleDispatch handles POST /api/v1/dispatch
func (s *Server) handleDispatch(c *gin.Context) {
	n, err := s.engine.DispatchDue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Dispatch failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": n})
}

// handleNetwork handles GET /api/v1/network
func (s *Server) handleNetwork(c *gin.Context) {
	if s.network == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No transport", Message: "node runs without a network transport"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"addrs":    s.network.Addrs(),
		"peers":    s.network.PeerCount(),
		"devices":  s.network.DeviceCount(),
		"sessions": s.network.Sessions(),
	})
}

func (s *Server) ownedParam(c *gin.Context, required bool) (identity.Identity, bool) {
	v := c.Query("owned")
	if v == "" {
		if required {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing owned", Message: "owned identity is required"})
			return identity.Identity{}, false
		}
		return identity.Identity{}, true
	}
	owned, err := identity.Parse(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid owned", Message: err.Error()})
		return identity.Identity{}, false
	}
	return owned, true
}
