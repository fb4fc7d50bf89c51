package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/zmgate/streaming-server/pkg/types"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 10 * time.Second
)

// transport speaks the plugin daemons' wire protocol: one TCP
// connection per request, one JSON object each way, newline-terminated.
type transport struct {
	addr        string
	dialTimeout time.Duration
	readTimeout time.Duration
}

func newTransport(addr string) transport {
	return transport{
		addr:        addr,
		dialTimeout: defaultDialTimeout,
		readTimeout: defaultReadTimeout,
	}
}

// roundTrip sends req and decodes the single-line response into resp.
// Connection and timeout failures map to ErrPluginUnreachable; garbage
// on the wire maps to ErrUnexpectedResponse.
func (t transport) roundTrip(req, resp any) error {
	conn, err := net.DialTimeout("tcp", t.addr, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", types.ErrPluginUnreachable, t.addr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode plugin request: %w", err)
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(t.readTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPluginUnreachable, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write: %v", types.ErrPluginUnreachable, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return fmt.Errorf("%w: read: %v", types.ErrPluginUnreachable, err)
	}
	if err := json.Unmarshal(line, resp); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnexpectedResponse, err)
	}
	return nil
}
