package seller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"bazaar/internal/protocol"
	"bazaar/internal/transport"

	"github.com/google/uuid"
)

// ClientConfig configures a seller's connection to the coordinator.
type ClientConfig struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Logf              func(format string, args ...any)
}

// Client maintains the seller side of the duplex channel: it connects to
// the coordinator's front-end endpoint, presents the seller's stable
// identity, answers requests through the handler and emits periodic
// heartbeats on the same framing.
type Client struct {
	identity          string
	addr              string
	handler           *Handler
	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	logf              func(format string, args ...any)
}

// NewClient constructs a client for the given coordinator address.
func NewClient(identity, addr string, handler *Handler, cfg ClientConfig) *Client {
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Client{
		identity:          identity,
		addr:              addr,
		handler:           handler,
		heartbeatInterval: heartbeatInterval,
		dialTimeout:       dialTimeout,
		logf:              logf,
	}
}

// Run connects and serves requests until the context ends or the
// connection drops. It returns nil on context cancellation; callers that
// want reconnection wrap Run in a retry policy.
func (c *Client) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("seller %s: dial %s: %w", c.identity, c.addr, err)
	}
	defer conn.Close()
	c.logf("seller %s: connected to %s", c.identity, c.addr)

	var writeMu sync.Mutex
	send := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return transport.WriteEnvelope(conn, c.identity, payload)
	}

	// The first heartbeat registers the identity with the coordinator.
	if err := c.sendHeartbeat(send); err != nil {
		return fmt.Errorf("seller %s: register: %w", c.identity, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.sendHeartbeat(send); err != nil {
					c.logf("seller %s: heartbeat: %v", c.identity, err)
					return
				}
			}
		}
	}()

	// Unblock the read loop when the context ends.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		conn.Close()
	}()

	readErr := c.readLoop(runCtx, conn, send)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, send func([]byte) error) error {
	reader := bufio.NewReader(conn)
	for {
		_, payload, err := transport.ReadEnvelope(reader)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("seller %s: read: %w", c.identity, err)
		}
		req, err := protocol.Decode(payload)
		if err != nil {
			c.logf("seller %s: dropping malformed request: %v", c.identity, err)
			continue
		}
		go func(req protocol.Message) {
			resp := c.handler.Handle(ctx, req)
			if resp == nil {
				return
			}
			if err := send(resp); err != nil {
				c.logf("seller %s: send response: %v", c.identity, err)
			}
		}(req)
	}
}

func (c *Client) sendHeartbeat(send func([]byte) error) error {
	hb := protocol.Message{
		MessageID: uuid.NewString(),
		Type:      protocol.KindHeartbeat,
		SenderID:  c.identity,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := protocol.Encode(hb)
	if err != nil {
		return err
	}
	return send(raw)
}
