package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zmgate/streaming-server/internal/livesession"
	"github.com/zmgate/streaming-server/pkg/types"
)

type liveStartRequest struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Server) handleLiveStart(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	var req liveStartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
			return
		}
	}
	spec := livesession.StreamSpec{Width: req.Width, Height: req.Height}
	if req.Codec != "" {
		codec, ok := types.ParseCodec(req.Codec)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown codec " + req.Codec, "kind": "invalid_request"})
			return
		}
		spec.Codec = codec
	}
	if err := s.live.Start(id, spec); err != nil {
		respondError(c, err)
		return
	}
	stats, err := s.live.Stats(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLiveStop(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	if err := s.live.Stop(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitor_id": id, "state": "stopped"})
}

func (s *Server) handleLiveStats(c *gin.Context) {
	id, ok := monitorParam(c)
	if !ok {
		return
	}
	stats, err := s.live.Stats(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
