package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/zmgate/streaming-server/pkg/types"
)

type offerRequest struct {
	CameraID int `json:"camera_id" binding:"required"`
}

type offerResponse struct {
	ViewerID string                    `json:"viewer_id"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

// signalingReady answers 503 when no WebRTC plugin address is
// configured, so the rest of the handlers can assume a client.
func (s *Server) signalingReady(c *gin.Context) bool {
	if s.signaling == nil {
		respondError(c, types.ErrPluginUnreachable)
		return false
	}
	return true
}

func (s *Server) handleOffer(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}
	viewerID, offer, err := s.signaling.GetOffer(req.CameraID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offerResponse{ViewerID: viewerID, Offer: offer})
}

func (s *Server) handleAnswer(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	var answer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&answer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}
	if err := s.signaling.SetAnswer(c.Param("viewer"), answer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleICECandidate(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := c.ShouldBindJSON(&cand); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}
	if err := s.signaling.AddICECandidate(c.Param("viewer"), cand); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDropViewer(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	if err := s.signaling.DropViewer(c.Param("viewer")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleViewerStats(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	stats, err := s.signaling.GetStats(c.Param("viewer"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", stats)
}

func (s *Server) handleSessions(c *gin.Context) {
	if !s.signalingReady(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.signaling.Sessions()})
}
