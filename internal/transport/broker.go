package transport

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

	"github.com/google/uuid"
)

// ErrRequestTimeout indicates no response arrived within the request timeout.
var ErrRequestTimeout = errors.New("request timed out")

// ErrBrokerShutdown indicates the broker was shut down with the request in flight.
var ErrBrokerShutdown = errors.New("broker shutdown")

// BrokerConfig configures the coordinator-side message broker.
type BrokerConfig struct {
	Identity          string
	Port              int
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Logf              func(format string, args ...any)
	Now               func() time.Time
}

// Broker is the coordinator's duplex, identity-routed request/response
// endpoint. Sellers connect and present their stable identity; requests are
// matched to responses through a pending table keyed by correlation ID.
type Broker struct {
	identity          string
	port              int
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
	logf              func(format string, args ...any)
	now               func() time.Time

	mu         sync.Mutex
	listener   net.Listener
	peers      map[string]*peerConn
	pending    map[string]chan protocol.Message
	heartbeats map[string]time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type peerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewBroker constructs a broker; Start binds the endpoint.
func NewBroker(cfg BrokerConfig) *Broker {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Broker{
		identity:          cfg.Identity,
		port:              cfg.Port,
		requestTimeout:    requestTimeout,
		heartbeatInterval: heartbeatInterval,
		logf:              logf,
		now:               now,
		peers:             make(map[string]*peerConn),
		pending:           make(map[string]chan protocol.Message),
		heartbeats:        make(map[string]time.Time),
		closed:            make(chan struct{}),
	}
}

// Start binds the front-end endpoint and launches the accept and monitor loops.
func (b *Broker) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", b.port))
	if err != nil {
		return fmt.Errorf("bind broker endpoint: %w", err)
	}
	b.mu.Lock()
	b.listener = lis
	b.mu.Unlock()
	b.logf("broker listening on %s", lis.Addr())

	b.wg.Add(2)
	go b.acceptLoop(lis)
	go b.monitorLoop()
	return nil
}

// Addr returns the bound listener address.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Broker) acceptLoop(lis net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				b.logf("broker accept: %v", err)
				return
			}
		}
		b.wg.Add(1)
		go b.serveConn(conn)
	}
}

// serveConn drains frames from one peer connection and dispatches by
// correlation ID. The first envelope on a connection registers the peer's
// identity; a reconnect replaces the previous connection.
func (b *Broker) serveConn(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	peer := &peerConn{conn: conn}
	reader := bufio.NewReader(conn)
	registered := ""

	for {
		identity, payload, err := ReadEnvelope(reader)
		if err != nil {
			if registered != "" {
				b.dropPeer(registered, peer)
			}
			select {
			case <-b.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					b.logf("broker read from %q: %v", registered, err)
				}
			}
			return
		}
		if identity == "" {
			b.logf("broker dropping frame with empty identity")
			continue
		}
		if registered != identity {
			b.registerPeer(identity, peer)
			registered = identity
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			b.logf("broker dropping malformed frame from %s: %v", identity, err)
			continue
		}
		b.dispatch(identity, msg)
	}
}

func (b *Broker) dispatch(identity string, msg protocol.Message) {
	if msg.Type == protocol.KindHeartbeat {
		b.mu.Lock()
		b.heartbeats[identity] = b.now()
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		// Late response after timeout, or a correlation ID we never issued.
		b.logf("broker dropping unmatched response %s from %s", msg.CorrelationID, identity)
		return
	}
	ch <- msg
}

func (b *Broker) registerPeer(identity string, peer *peerConn) {
	b.mu.Lock()
	previous := b.peers[identity]
	b.peers[identity] = peer
	b.mu.Unlock()
	if previous != nil && previous != peer {
		previous.conn.Close()
	}
	b.logf("broker registered peer %s", identity)
}

func (b *Broker) dropPeer(identity string, peer *peerConn) {
	b.mu.Lock()
	if b.peers[identity] == peer {
		delete(b.peers, identity)
	}
	b.mu.Unlock()
}

// SendRequest transmits the message to the named peer and waits for the
// correlated response. Missing correlation and message IDs are assigned;
// the message ID is left untouched when set so retries of the same logical
// request stay deduplicatable on the seller side.
func (b *Broker) SendRequest(ctx context.Context, peerID string, msg protocol.Message) (protocol.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.SenderID == "" {
		msg.SenderID = b.identity
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = b.now().UnixMilli()
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Message{}, err
	}

	ch := make(chan protocol.Message, 1)
	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		return protocol.Message{}, ErrBrokerShutdown
	default:
	}
	b.pending[msg.CorrelationID] = ch
	peer := b.peers[peerID]
	b.mu.Unlock()

	if peer == nil {
		b.removePending(msg.CorrelationID)
		return protocol.Message{}, fmt.Errorf("send to %s: peer not connected", peerID)
	}

	peer.writeMu.Lock()
	err = WriteEnvelope(peer.conn, peerID, payload)
	peer.writeMu.Unlock()
	if err != nil {
		b.removePending(msg.CorrelationID)
		return protocol.Message{}, fmt.Errorf("send to %s: %w", peerID, err)
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		b.removePending(msg.CorrelationID)
		// The receive loop may have delivered while we were timing out.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return protocol.Message{}, fmt.Errorf("request to %s after %s: %w", peerID, b.requestTimeout, ErrRequestTimeout)
	case <-ctx.Done():
		b.removePending(msg.CorrelationID)
		return protocol.Message{}, ctx.Err()
	case <-b.closed:
		return protocol.Message{}, ErrBrokerShutdown
	}
}

func (b *Broker) removePending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// monitorLoop periodically reports pending-request pressure, mirroring the
// heartbeat cadence of the peers.
func (b *Broker) monitorLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.logf("broker heartbeat: %d pending requests, %d peers", b.PendingRequests(), len(b.PeerIDs()))
		}
	}
}

// PendingRequests returns the number of in-flight requests.
func (b *Broker) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PeerIDs returns the identities of currently connected peers.
func (b *Broker) PeerIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	return ids
}

// LastHeartbeat returns the time the named peer last sent a heartbeat.
func (b *Broker) LastHeartbeat(peerID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.heartbeats[peerID]
	return at, ok
}

// Close fails every outstanding request with ErrBrokerShutdown, closes peer
// connections and the listener, and waits for the loops to exit.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		lis := b.listener
		peers := b.peers
		b.peers = make(map[string]*peerConn)
		b.pending = make(map[string]chan protocol.Message)
		b.mu.Unlock()

		if lis != nil {
			lis.Close()
		}
		for _, peer := range peers {
			peer.conn.Close()
		}
	})
	b.wg.Wait()
	return nil
}
