package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/util"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxRequestTimeout     = 60 * time.Second
)

type sendRequest struct {
	Hex string `json:"hex" binding:"required"`
}

type requestRequest struct {
	Hex       string `json:"hex" binding:"required"`
	Reply     uint32 `json:"reply" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"session": s.Client.Status(),
		"host":    util.GetHostInfo(),
	}
	if usage, err := util.GetProcessUsage(s.started); err == nil {
		resp["process"] = usage
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleServers(c *gin.Context) {
	account := s.Config.GetAccount()
	host := s.Config.GetNetwork().GameHost

	type server struct {
		ID       int    `json:"id"`
		Port     int    `json:"port"`
		Addr     string `json:"addr"`
		Selected bool   `json:"selected"`
	}

	entries := network.Servers()
	servers := make([]server, 0, len(entries))
	for _, e := range entries {
		addr, _ := network.GameAddr(host, e.ID)
		servers = append(servers, server{
			ID:       e.ID,
			Port:     e.Port,
			Addr:     addr,
			Selected: e.ID == account.Server,
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "total": len(servers)})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Client.SendHex(c.Request.Context(), req.Hex); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Server) handleRequest(c *gin.Context) {
	var req requestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := defaultRequestTimeout
	if req.TimeoutMS > 0 {
		timeout = min(time.Duration(req.TimeoutMS)*time.Millisecond, maxRequestTimeout)
	}

	pkt, ok, err := s.Client.RequestHex(c.Request.Context(), req.Hex, req.Reply, timeout)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error": "reply not received",
			"reply": req.Reply,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"command": pkt.Command,
		"name":    s.Names.Lookup(pkt.Command),
		"result":  pkt.Result,
		"length":  pkt.Length,
		"hex":     pkt.Hex(),
	})
}
