package plugin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/pkg/types"
)

const (
	// ringSize bounds the per-camera segment ring.
	ringSize = 300

	// pollIdleSleep is the backoff used when the plugin has nothing to
	// pop or the socket fails.
	pollIdleSleep = 100 * time.Millisecond

	// subscriberMissLimit drops a subscriber after this many
	// consecutive undelivered segments.
	subscriberMissLimit = 50
)

type mseRequest struct {
	Command  string `json:"command"`
	CameraID int    `json:"camera_id"`
	StreamID string `json:"stream_id,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

type mseResponse struct {
	Command string          `json:"command"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    string          `json:"data"`
	Size    *int64          `json:"size"`
	Stats   json.RawMessage `json:"stats"`
}

// BufferStats reports MSE segment flow for one camera. Source says
// whether the numbers came from the plugin or the local ring fallback.
type BufferStats struct {
	Source          string          `json:"source"`
	TotalSegments   uint64          `json:"total_segments"`
	DroppedSegments uint64          `json:"dropped_segments"`
	TotalBytes      uint64          `json:"total_bytes"`
	Buffered        int             `json:"buffered"`
	LastTimestampMs int64           `json:"last_timestamp_ms,omitempty"`
	Plugin          json.RawMessage `json:"plugin,omitempty"`
}

type subscriber struct {
	ch     chan []byte
	misses int
}

// MSEClient is the per-camera bridge to the MSE plugin daemon: it owns
// the segment ring, the poll loop, and the fanout to WebSocket viewers.
type MSEClient struct {
	tr       transport
	cameraID int
	streamID string
	metrics  *metrics.Metrics

	ringMu sync.Mutex
	ring   [][]byte
	init   []byte

	totalSegments   atomic.Uint64
	droppedSegments atomic.Uint64
	totalBytes      atomic.Uint64
	lastTimestampMs atomic.Int64

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *MSEClient) send(req mseRequest) (*mseResponse, error) {
	if c.metrics != nil {
		c.metrics.PluginRequests.Add(1)
	}
	var resp mseResponse
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

// isInitSegment checks the ftyp preamble that every ISO-BMFF init
// segment starts with.
func isInitSegment(data []byte) bool {
	return len(data) >= 8 && string(data[4:8]) == "ftyp"
}

// InitSegment fetches (and caches) the stream's init segment from the
// plugin, verifying the ftyp preamble rather than trusting ordinal
// position in the segment flow.
func (c *MSEClient) InitSegment() ([]byte, error) {
	c.ringMu.Lock()
	cached := c.init
	c.ringMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := c.send(mseRequest{Command: "get_init_segment", CameraID: c.cameraID})
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: init segment base64: %v", types.ErrUnexpectedResponse, err)
	}
	if !isInitSegment(data) {
		return nil, fmt.Errorf("%w: init segment without ftyp preamble", types.ErrUnexpectedResponse)
	}
	c.ringMu.Lock()
	c.init = data
	c.ringMu.Unlock()
	return data, nil
}

// LatestSegment asks the plugin for the most recent media segment.
func (c *MSEClient) LatestSegment() ([]byte, error) {
	resp, err := c.send(mseRequest{Command: "get_latest_segment", CameraID: c.cameraID})
	if err != nil {
		return nil, err
	}
	if resp.Data == "" {
		return nil, fmt.Errorf("camera %d has no segments yet: %w", c.cameraID, types.ErrNotFound)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: segment base64: %v", types.ErrUnexpectedResponse, err)
	}
	return data, nil
}

// tryPop polls the plugin once. A success without data means the queue
// is empty.
func (c *MSEClient) tryPop() ([]byte, error) {
	resp, err := c.send(mseRequest{Command: "try_pop_segment", CameraID: c.cameraID})
	if err != nil {
		return nil, err
	}
	if resp.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: segment base64: %v", types.ErrUnexpectedResponse, err)
	}
	return data, nil
}

// Subscribe adds a viewer and returns a channel of raw fMP4 payloads.
func (c *MSEClient) Subscribe() (int, <-chan []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	sub := &subscriber{ch: make(chan []byte, 8)}
	c.subs[id] = sub
	logger.Debug("MSE", "Camera %d viewer #%d subscribed (total: %d)", c.cameraID, id, len(c.subs))
	return id, sub.ch
}

// Unsubscribe removes a viewer. Safe to call twice.
func (c *MSEClient) Unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub, ok := c.subs[id]; ok {
		close(sub.ch)
		delete(c.subs, id)
		logger.Debug("MSE", "Camera %d viewer #%d unsubscribed (remaining: %d)", c.cameraID, id, len(c.subs))
	}
}

// broadcast fans a segment out without ever blocking on a slow viewer.
// A viewer that keeps missing gets dropped.
func (c *MSEClient) broadcast(data []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, sub := range c.subs {
		select {
		case sub.ch <- data:
			sub.misses = 0
		default:
			sub.misses++
			c.droppedSegments.Add(1)
			if sub.misses >= subscriberMissLimit {
				logger.Warn("MSE", "Camera %d viewer #%d too slow, dropping (%d missed segments)", c.cameraID, id, sub.misses)
				close(sub.ch)
				delete(c.subs, id)
			}
		}
	}
}

func (c *MSEClient) append(data []byte) {
	c.ringMu.Lock()
	if len(c.ring) >= ringSize {
		c.ring = c.ring[1:]
		c.droppedSegments.Add(1)
	}
	c.ring = append(c.ring, data)
	c.ringMu.Unlock()

	c.totalSegments.Add(1)
	c.totalBytes.Add(uint64(len(data)))
	c.lastTimestampMs.Store(time.Now().UnixMilli())
	if c.metrics != nil {
		c.metrics.MSEPayloads.Add(1)
		c.metrics.MSEPayloadBytes.Add(uint64(len(data)))
	}
}

// Ring returns a copy of the buffered segment payloads, oldest first.
func (c *MSEClient) Ring() [][]byte {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	return append([][]byte(nil), c.ring...)
}

// Stats prefers the plugin's live counters; when the socket is down it
// falls back to local numbers. The ring length is read under TryLock so
// a busy ring never stalls the stats endpoint.
func (c *MSEClient) Stats() BufferStats {
	stats := BufferStats{
		TotalSegments:   c.totalSegments.Load(),
		DroppedSegments: c.droppedSegments.Load(),
		TotalBytes:      c.totalBytes.Load(),
		LastTimestampMs: c.lastTimestampMs.Load(),
	}
	if c.ringMu.TryLock() {
		stats.Buffered = len(c.ring)
		c.ringMu.Unlock()
	}
	resp, err := c.send(mseRequest{Command: "get_buffer_stats", CameraID: c.cameraID})
	if err != nil {
		stats.Source = "local"
		return stats
	}
	stats.Source = "plugin"
	stats.Plugin = resp.Stats
	if size, err := c.BufferSize(); err == nil {
		stats.Buffered = size
	}
	return stats
}

// BufferSize asks the plugin how many segments it currently buffers.
func (c *MSEClient) BufferSize() (int, error) {
	resp, err := c.send(mseRequest{Command: "get_buffer_size", CameraID: c.cameraID})
	if err != nil {
		return 0, err
	}
	if resp.Size == nil {
		return 0, fmt.Errorf("%w: get_buffer_size answered without a size", types.ErrUnexpectedResponse)
	}
	return int(*resp.Size), nil
}

// run is the poll loop: drain the plugin as fast as it produces, back
// off 100 ms when idle or failing, and complain once per 100
// consecutive failures.
func (c *MSEClient) run(ctx context.Context) {
	defer close(c.done)
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := c.tryPop()
		if err != nil {
			consecutive++
			if consecutive%100 == 0 {
				logger.Warn("MSE", "Camera %d poll failing (%d consecutive): %v", c.cameraID, consecutive, err)
				if c.metrics != nil {
					c.metrics.PollFailures.Add(1)
				}
			}
			sleepCtx(ctx, pollIdleSleep)
			continue
		}
		consecutive = 0
		if data == nil {
			sleepCtx(ctx, pollIdleSleep)
			continue
		}
		c.append(data)
		c.broadcast(data)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// MSEManager hands out one logical MSE client per camera.
type MSEManager struct {
	addr    string
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[int]*MSEClient
}

// NewMSEManager talks to the MSE plugin at addr.
func NewMSEManager(addr string, m *metrics.Metrics) *MSEManager {
	return &MSEManager{
		addr:    addr,
		metrics: m,
		clients: make(map[int]*MSEClient),
	}
}

// Ensure returns the camera's client, registering the stream with the
// plugin and starting the poll loop on first use. Registering an
// already-registered stream is a no-op success on the plugin side, so
// concurrent callers converge on one client.
func (m *MSEManager) Ensure(cameraID int, streamID string, codec types.Codec, width, height int) (*MSEClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[cameraID]; ok {
		return c, nil
	}

	c := &MSEClient{
		tr:       newTransport(m.addr),
		cameraID: cameraID,
		streamID: streamID,
		metrics:  m.metrics,
		subs:     make(map[int]*subscriber),
		done:     make(chan struct{}),
	}
	if _, err := c.send(mseRequest{
		Command:  "register_stream",
		CameraID: cameraID,
		StreamID: streamID,
		Codec:    codec.String(),
		Width:    width,
		Height:   height,
	}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	m.clients[cameraID] = c
	logger.Info("MSE", "Registered stream %s for camera %d (%s %dx%d)", streamID, cameraID, codec, width, height)
	return c, nil
}

// Get returns an existing client without side effects.
func (m *MSEManager) Get(cameraID int) (*MSEClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[cameraID]
	return c, ok
}

// Drop stops the camera's poll loop and unregisters the stream. Called
// after a failed registration it is still safe: the plugin treats an
// unknown stream as already gone.
func (m *MSEManager) Drop(cameraID int) error {
	m.mu.Lock()
	c, ok := m.clients[cameraID]
	if ok {
		delete(m.clients, cameraID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("camera %d: %w", cameraID, types.ErrNotFound)
	}

	c.cancel()
	<-c.done

	c.subMu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	_, err := c.send(mseRequest{
		Command:  "unregister_stream",
		CameraID: cameraID,
		StreamID: c.streamID,
	})
	if err != nil {
		logger.Warn("MSE", "unregister_stream for camera %d: %v", cameraID, err)
	}
	return err
}

// DropAll tears down every client, used at shutdown.
func (m *MSEManager) DropAll() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Drop(id)
	}
}
