package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/pkg/types"
)

// sessionIdleLimit is how long a signaling session may go without
// activity before the background sweep removes it.
const sessionIdleLimit = time.Hour

// Session tracks one viewer's WebRTC negotiation with a camera.
type Session struct {
	CameraID     int       `json:"camera_id"`
	ViewerID     string    `json:"viewer_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type signalRequest struct {
	Command       string  `json:"command"`
	CameraID      int     `json:"camera_id"`
	ViewerID      string  `json:"viewer_id"`
	Answer        *string `json:"answer,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type signalResponse struct {
	Command  string          `json:"command"`
	Success  *bool           `json:"success"`
	Error    string          `json:"error"`
	Code     string          `json:"code"`
	Offer    string          `json:"offer"`
	ViewerID string          `json:"viewer_id"`
	CameraID int             `json:"camera_id"`
	Stats    json.RawMessage `json:"stats"`
}

// SignalingClient proxies WebRTC negotiation to the signaling plugin
// daemon and tracks sessions keyed "{camera_id}:{viewer_id}".
type SignalingClient struct {
	tr      transport
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSignalingClient connects commands to the plugin at addr.
func NewSignalingClient(addr string, m *metrics.Metrics) *SignalingClient {
	return &SignalingClient{
		tr:       newTransport(addr),
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(cameraID int, viewerID string) string {
	return fmt.Sprintf("%d:%s", cameraID, viewerID)
}

// send runs one command and applies the response-shape mapping: a
// success with the matching command tag is a result, an error payload
// is a PluginError, anything else is unexpected.
func (c *SignalingClient) send(req signalRequest) (*signalResponse, error) {
	if c.metrics != nil {
		c.metrics.PluginRequests.Add(1)
	}
	var resp signalResponse
	if err := c.tr.roundTrip(req, &resp); err != nil {
		if c.metrics != nil {
			c.metrics.PluginErrors.Add(1)
		}
		return nil, err
	}
	if resp.Success != nil && !*resp.Success || resp.Error != "" {
		if c.metrics != nil {
			c.metrics.PluginErrors.Add(1)
		}
		code := resp.Code
		if code == "" {
			code = "error"
		}
		return nil, &types.PluginError{Code: code, Message: resp.Error}
	}
	if resp.Success == nil || resp.Command != req.Command {
		if c.metrics != nil {
			c.metrics.PluginErrors.Add(1)
		}
		return nil, fmt.Errorf("%w: command %q answered with %q", types.ErrUnexpectedResponse, req.Command, resp.Command)
	}
	return &resp, nil
}

// GetOffer allocates a viewer ID, registers the session, and asks the
// plugin for an SDP offer. The session is inserted before the request
// goes out and removed again if the plugin refuses.
func (c *SignalingClient) GetOffer(cameraID int) (string, webrtc.SessionDescription, error) {
	viewerID := uuid.NewString()
	now := time.Now()
	session := &Session{
		CameraID:     cameraID,
		ViewerID:     viewerID,
		CreatedAt:    now,
		LastActivity: now,
	}
	key := sessionKey(cameraID, viewerID)

	c.mu.Lock()
	c.sessions[key] = session
	c.mu.Unlock()

	resp, err := c.send(signalRequest{
		Command:  "create_offer",
		CameraID: cameraID,
		ViewerID: viewerID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, key)
		c.mu.Unlock()
		return "", webrtc.SessionDescription{}, err
	}
	if resp.Offer == "" {
		c.mu.Lock()
		delete(c.sessions, key)
		c.mu.Unlock()
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: create_offer without offer", types.ErrUnexpectedResponse)
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: resp.Offer}
	logger.Debug("Signaling", "Created offer for camera %d viewer %s", cameraID, viewerID)
	return viewerID, offer, nil
}

// SetAnswer forwards the viewer's SDP answer to the plugin.
func (c *SignalingClient) SetAnswer(viewerID string, answer webrtc.SessionDescription) error {
	session, err := c.lookup(viewerID)
	if err != nil {
		return err
	}
	sdp := answer.SDP
	if _, err := c.send(signalRequest{
		Command:  "set_answer",
		CameraID: session.CameraID,
		ViewerID: viewerID,
		Answer:   &sdp,
	}); err != nil {
		return err
	}
	c.touch(session)
	return nil
}

// AddICECandidate forwards one trickled ICE candidate to the plugin.
func (c *SignalingClient) AddICECandidate(viewerID string, cand webrtc.ICECandidateInit) error {
	session, err := c.lookup(viewerID)
	if err != nil {
		return err
	}
	if _, err := c.send(signalRequest{
		Command:       "add_ice_candidate",
		CameraID:      session.CameraID,
		ViewerID:      viewerID,
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}); err != nil {
		return err
	}
	c.touch(session)
	return nil
}

// DropViewer removes the session locally and tells the plugin to tear
// the peer down. The local entry is gone even when the plugin call
// fails; the sweep would remove it anyway and the viewer is not coming
// back.
func (c *SignalingClient) DropViewer(viewerID string) error {
	session, err := c.lookup(viewerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sessions, sessionKey(session.CameraID, viewerID))
	c.mu.Unlock()

	_, err = c.send(signalRequest{
		Command:  "drop_viewer",
		CameraID: session.CameraID,
		ViewerID: viewerID,
	})
	if err != nil {
		logger.Warn("Signaling", "drop_viewer for %s failed after local removal: %v", viewerID, err)
	}
	return err
}

// GetStats fetches the plugin's per-session statistics blob.
func (c *SignalingClient) GetStats(viewerID string) (json.RawMessage, error) {
	session, err := c.lookup(viewerID)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(signalRequest{
		Command:  "get_stats",
		CameraID: session.CameraID,
		ViewerID: viewerID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// Sessions returns a snapshot of the session table.
func (c *SignalingClient) Sessions() []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	return out
}

func (c *SignalingClient) lookup(viewerID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.ViewerID == viewerID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("viewer %s: %w", viewerID, types.ErrNotFound)
}

func (c *SignalingClient) touch(session *Session) {
	c.mu.Lock()
	session.LastActivity = time.Now()
	c.mu.Unlock()
}

// SweepIdle drops sessions idle longer than the limit and returns how
// many were removed.
func (c *SignalingClient) SweepIdle(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, s := range c.sessions {
		if now.Sub(s.LastActivity) > sessionIdleLimit {
			delete(c.sessions, key)
			removed++
		}
	}
	return removed
}

// RunSweeper periodically removes idle sessions until ctx is cancelled.
func (c *SignalingClient) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepIdle(time.Now()); n > 0 {
				logger.Info("Signaling", "Swept %d idle sessions", n)
			}
		}
	}
}
