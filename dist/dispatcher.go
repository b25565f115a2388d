package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/sony/gobreaker"

	"github.com/joeycumines/lunatic/procid"
)

// ErrRemoteUnavailable is returned while a peer's circuit breaker is open
// (spec.md §4.8: repeated connection failures to a peer trip a breaker).
var ErrRemoteUnavailable = errors.New("dist: remote unavailable (circuit open)")

// Dialer opens a connection to a peer node. Decoupled from net.Dial
// directly so tests can substitute an in-memory pipe and so the address
// book (node id -> network address) lives outside this package.
type Dialer interface {
	Dial(ctx context.Context, node procid.NodeID) (io.ReadWriteCloser, error)
}

type peerState struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher is the C11 client side: one lazily-dialed connection per
// peer node, reused across calls, rate-limited per peer via
// catrate.Limiter (category = peer node id) and circuit-broken per peer
// via gobreaker so a degraded remote doesn't retry into a storm.
type Dispatcher struct {
	dial    Dialer
	limiter *catrate.Limiter
	nextReq uint64

	mu    sync.Mutex
	peers map[procid.NodeID]*peerState
}

// NewDispatcher constructs a Dispatcher. rates configures the per-peer
// send-rate limiter (e.g. {time.Second: 1000}); a nil or empty map
// disables rate limiting entirely.
func NewDispatcher(dial Dialer, rates map[time.Duration]int) *Dispatcher {
	var limiter *catrate.Limiter
	if len(rates) != 0 {
		limiter = catrate.NewLimiter(rates)
	}
	return &Dispatcher{dial: dial, limiter: limiter, peers: make(map[procid.NodeID]*peerState)}
}

func (d *Dispatcher) peer(node procid.NodeID) *peerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[node]
	if !ok {
		p = &peerState{breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: fmt.Sprintf("lunatic-peer-%d", node),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})}
		d.peers[node] = p
	}
	return p
}

// SpawnRemote asks node to spawn req, blocking for the remote's
// Response::Spawned(pid) or a typed ClientError.
func (d *Dispatcher) SpawnRemote(ctx context.Context, node procid.NodeID, req *SpawnRequest) (uint64, error) {
	req.RequestID = atomic.AddUint64(&d.nextReq, 1)
	resp, err := d.roundTrip(ctx, node, &Record{Kind: RecordSpawn, Spawn: req})
	if err != nil {
		return 0, err
	}
	if resp.Kind != ResponseSpawned {
		return 0, fmt.Errorf("dist: unexpected response kind %d for spawn", resp.Kind)
	}
	return resp.Spawned, nil
}

// SendMessage implements capability.RemoteSender: it forwards one
// already-serialized message to pid on node, blocking for acknowledgement.
// Satisfies the interface by matching its method signature structurally —
// this package never imports capability, avoiding an import cycle (dist
// is the lower-level transport capability depends on, not vice versa).
func (d *Dispatcher) SendMessage(ctx context.Context, node procid.NodeID, envID uint64, pid procid.Short, tag int64, payload []byte) error {
	reqID := atomic.AddUint64(&d.nextReq, 1)
	resp, err := d.roundTrip(ctx, node, &Record{Kind: RecordMessage, Message: &MessageRequest{
		RequestID: reqID,
		EnvID:     envID,
		Pid:       uint64(pid),
		Tag:       tag,
		Bytes:     payload,
	}})
	if err != nil {
		return err
	}
	if resp.Kind != ResponseSent {
		return fmt.Errorf("dist: unexpected response kind %d for message", resp.Kind)
	}
	return nil
}

// roundTrip rate-limits and circuit-breaks one request/response exchange
// with node.
func (d *Dispatcher) roundTrip(ctx context.Context, node procid.NodeID, rec *Record) (*Response, error) {
	p := d.peer(node)

	if d.limiter != nil {
		if _, ok := d.limiter.Allow(node); !ok {
			return nil, fmt.Errorf("dist: rate limit exceeded for node %d", node)
		}
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return d.doRoundTrip(ctx, node, p, rec)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrRemoteUnavailable
		}
		return nil, err
	}
	return result.(*Response), nil
}

// doRoundTrip owns the peer's connection for the full write+read
// exchange, so concurrent calls to the same node never interleave
// frames on one stream.
func (d *Dispatcher) doRoundTrip(ctx context.Context, node procid.NodeID, p *peerState, rec *Record) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := d.dial.Dial(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("dist: dial node %d: %w", node, err)
		}
		p.conn = conn
	}

	payload, err := EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(p.conn, payload); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return nil, err
	}

	respPayload, err := ReadFrame(p.conn)
	if err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return nil, err
	}
	respRec, err := DecodeRecord(respPayload)
	if err != nil {
		return nil, err
	}
	if respRec.Kind != RecordResponse {
		return nil, fmt.Errorf("dist: expected response record, got kind %d", respRec.Kind)
	}
	if respRec.Response.Kind == ResponseError {
		return nil, respRec.Response.Err
	}
	return respRec.Response, nil
}

// Close drops every cached peer connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, p := range d.peers {
		p.mu.Lock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			p.conn = nil
		}
		p.mu.Unlock()
	}
	return firstErr
}
