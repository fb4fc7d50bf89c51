package plugin

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/zmgate/streaming-server/pkg/types"
)

// startFakePlugin serves the newline-JSON protocol: one request per
// connection, answered by handler.
func startFakePlugin(t *testing.T, handler func(req map[string]any) map[string]any) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req map[string]any
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp, err := json.Marshal(handler(req))
				if err != nil {
					return
				}
				conn.Write(append(resp, '\n'))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func okResponse(req map[string]any, extra map[string]any) map[string]any {
	resp := map[string]any{
		"command": req["command"],
		"success": true,
	}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

func TestGetOfferCreatesSession(t *testing.T) {
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		if req["command"] != "create_offer" {
			t.Errorf("unexpected command %v", req["command"])
		}
		return okResponse(req, map[string]any{
			"offer":     "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n",
			"viewer_id": req["viewer_id"],
			"camera_id": req["camera_id"],
		})
	})
	c := NewSignalingClient(addr, nil)
	viewerID, offer, err := c.GetOffer(1)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if viewerID == "" {
		t.Fatal("empty viewer ID")
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Errorf("offer = %+v", offer)
	}
	sessions := c.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].CameraID != 1 || sessions[0].ViewerID != viewerID {
		t.Errorf("session = %+v", sessions[0])
	}
}

func TestGetOfferFailureRemovesSession(t *testing.T) {
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		return map[string]any{
			"command": req["command"],
			"success": false,
			"error":   "camera busy",
			"code":    "rejected",
		}
	})
	c := NewSignalingClient(addr, nil)
	_, _, err := c.GetOffer(1)
	var perr *types.PluginError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PluginError", err)
	}
	if !perr.Rejected() {
		t.Errorf("code = %q, want rejected", perr.Code)
	}
	if n := len(c.Sessions()); n != 0 {
		t.Errorf("sessions after failure = %d, want 0", n)
	}
}

func TestSignalingUnknownViewer(t *testing.T) {
	c := NewSignalingClient("127.0.0.1:1", nil)
	if err := c.SetAnswer("nope", webrtc.SessionDescription{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("SetAnswer err = %v, want ErrNotFound", err)
	}
	if err := c.DropViewer("nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("DropViewer err = %v, want ErrNotFound", err)
	}
}

func TestDropViewerRemovesLocallyOnPluginFailure(t *testing.T) {
	var mu sync.Mutex
	failDrop := false
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		mu.Lock()
		fail := failDrop
		mu.Unlock()
		if req["command"] == "drop_viewer" && fail {
			return map[string]any{"success": false, "error": "plugin down"}
		}
		return okResponse(req, map[string]any{"offer": "v=0\r\n"})
	})
	c := NewSignalingClient(addr, nil)
	viewerID, _, err := c.GetOffer(1)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	mu.Lock()
	failDrop = true
	mu.Unlock()

	if err := c.DropViewer(viewerID); err == nil {
		t.Error("DropViewer should surface the plugin failure")
	}
	if n := len(c.Sessions()); n != 0 {
		t.Errorf("session survived failed drop: %d entries", n)
	}
}

func TestSignalingUnexpectedResponse(t *testing.T) {
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		return map[string]any{"command": "something_else", "success": true}
	})
	c := NewSignalingClient(addr, nil)
	if _, _, err := c.GetOffer(1); !errors.Is(err, types.ErrUnexpectedResponse) {
		t.Errorf("err = %v, want ErrUnexpectedResponse", err)
	}
}

func TestTransportUnreachable(t *testing.T) {
	// nothing listens on a freshly closed port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewSignalingClient(addr, nil)
	if _, _, err := c.GetOffer(1); !errors.Is(err, types.ErrPluginUnreachable) {
		t.Errorf("err = %v, want ErrPluginUnreachable", err)
	}
}

func TestSweepIdle(t *testing.T) {
	c := NewSignalingClient("127.0.0.1:1", nil)
	now := time.Now()
	c.sessions["1:old"] = &Session{CameraID: 1, ViewerID: "old", LastActivity: now.Add(-2 * time.Hour)}
	c.sessions["1:new"] = &Session{CameraID: 1, ViewerID: "new", LastActivity: now}
	if removed := c.SweepIdle(now); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := c.lookup("new"); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
	if _, err := c.lookup("old"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("idle session survived: %v", err)
	}
}

// fakeMSEState drives the MSE handler across connections.
type fakeMSEState struct {
	mu        sync.Mutex
	registers int
	popQueue  [][]byte
}

func (s *fakeMSEState) handle(req map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req["command"] {
	case "register_stream":
		s.registers++
		return map[string]any{"command": "register_stream", "success": true}
	case "unregister_stream":
		return map[string]any{"command": "unregister_stream", "success": true}
	case "try_pop_segment":
		if len(s.popQueue) == 0 {
			return map[string]any{"command": "try_pop_segment", "success": true}
		}
		data := s.popQueue[0]
		s.popQueue = s.popQueue[1:]
		return map[string]any{
			"command": "try_pop_segment",
			"success": true,
			"data":    base64.StdEncoding.EncodeToString(data),
		}
	case "get_init_segment":
		return map[string]any{
			"command": "get_init_segment",
			"success": true,
			"data":    base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 16, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0}),
		}
	case "get_buffer_stats":
		return map[string]any{
			"command": "get_buffer_stats",
			"success": true,
			"stats":   map[string]any{"queued": 3},
		}
	case "get_buffer_size":
		return map[string]any{
			"command": "get_buffer_size",
			"success": true,
			"size":    3,
		}
	default:
		return map[string]any{"success": false, "error": "unknown command"}
	}
}

func TestMSEEnsurePollsAndBroadcasts(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)

	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	defer m.Drop(1)

	id, ch := client.Subscribe()
	defer client.Unsubscribe(id)

	// queue segments only after subscribing so the broadcast is observed
	state.mu.Lock()
	state.popQueue = [][]byte{[]byte("segment-a"), []byte("segment-b")}
	state.mu.Unlock()

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case data := <-ch:
			got = append(got, string(data))
		case <-timeout:
			t.Fatalf("received %d segments, want 2", len(got))
		}
	}
	if got[0] != "segment-a" || got[1] != "segment-b" {
		t.Errorf("segments = %v", got)
	}
	if n := client.totalSegments.Load(); n != 2 {
		t.Errorf("totalSegments = %d, want 2", n)
	}
	if ring := client.Ring(); len(ring) != 2 {
		t.Errorf("ring = %d entries, want 2", len(ring))
	}
}

func TestMSEEnsureIdempotent(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)
	m := NewMSEManager(addr, nil)
	a, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Drop(1)
	b, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second Ensure returned a different client")
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.registers != 1 {
		t.Errorf("register_stream sent %d times, want 1", state.registers)
	}
}

func TestMSEInitSegmentVerified(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)
	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Drop(1)

	init, err := client.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment: %v", err)
	}
	if !isInitSegment(init) {
		t.Error("init segment missing ftyp preamble")
	}
	// cached copy served without another round trip
	again, err := client.InitSegment()
	if err != nil {
		t.Fatalf("cached InitSegment: %v", err)
	}
	if &again[0] != &init[0] {
		t.Error("init not cached")
	}
}

func TestMSEInitSegmentRejectsBadPreamble(t *testing.T) {
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		if req["command"] == "get_init_segment" {
			return map[string]any{
				"command": "get_init_segment",
				"success": true,
				"data":    base64.StdEncoding.EncodeToString([]byte("not an init segment")),
			}
		}
		return map[string]any{"command": req["command"], "success": true}
	})
	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Drop(1)
	if _, err := client.InitSegment(); !errors.Is(err, types.ErrUnexpectedResponse) {
		t.Errorf("err = %v, want ErrUnexpectedResponse", err)
	}
}

func TestMSEDropClosesSubscribers(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)
	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	_, ch := client.Subscribe()
	if err := m.Drop(1); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	select {
	case _, open := <-ch:
		if open {
			t.Error("subscriber channel still open after drop")
		}
	case <-time.After(time.Second):
		t.Error("subscriber channel not closed after drop")
	}
	if err := m.Drop(1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("double drop err = %v, want ErrNotFound", err)
	}
}

func TestMSEStatsFallback(t *testing.T) {
	// no plugin listening: stats must come from local counters
	client := &MSEClient{
		tr:       newTransport("127.0.0.1:1"),
		cameraID: 1,
		subs:     make(map[int]*subscriber),
		done:     make(chan struct{}),
	}
	client.append([]byte("abc"))
	stats := client.Stats()
	if stats.Source != "local" {
		t.Errorf("source = %q, want local", stats.Source)
	}
	if stats.TotalSegments != 1 || stats.TotalBytes != 3 || stats.Buffered != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMSEStatsFromPlugin(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)
	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Drop(1)
	stats := client.Stats()
	if stats.Source != "plugin" {
		t.Errorf("source = %q, want plugin", stats.Source)
	}
	if len(stats.Plugin) == 0 {
		t.Error("plugin stats blob missing")
	}
	if stats.Buffered != 3 {
		t.Errorf("buffered = %d, want the plugin's buffer size 3", stats.Buffered)
	}
}

func TestMSEBufferSize(t *testing.T) {
	state := &fakeMSEState{}
	addr := startFakePlugin(t, state.handle)
	m := NewMSEManager(addr, nil)
	client, err := m.Ensure(1, "stream-1", types.CodecH264, 1920, 1080)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Drop(1)

	size, err := client.BufferSize()
	if err != nil {
		t.Fatalf("BufferSize: %v", err)
	}
	if size != 3 {
		t.Errorf("size = %d, want 3", size)
	}
}

func TestMSEBufferSizeMissingField(t *testing.T) {
	addr := startFakePlugin(t, func(req map[string]any) map[string]any {
		return map[string]any{"command": req["command"], "success": true}
	})
	client := &MSEClient{
		tr:       newTransport(addr),
		cameraID: 1,
		subs:     make(map[int]*subscriber),
		done:     make(chan struct{}),
	}
	if _, err := client.BufferSize(); !errors.Is(err, types.ErrUnexpectedResponse) {
		t.Fatalf("got %v, want ErrUnexpectedResponse", err)
	}
}
