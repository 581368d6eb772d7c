// Package relay forwards TCP connections to a fixed upstream while decoding
// the HTTP traffic on the side and recording every request/response exchange.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/httpstream"
	"github.com/burpheart/proxycord/internal/recording"
	"github.com/burpheart/proxycord/pkg/types"
)

// requestQueueSize is how many decoded requests may wait for their
// responses on one connection.
const requestQueueSize = 1024

var (
	// ErrUnsolicitedResponse is the correlation fault raised for a response
	// that arrives while no request is waiting for one.
	ErrUnsolicitedResponse = errors.New("relay: response without a pending request")

	// ErrRequestQueueFull is raised when a request cannot be queued for
	// correlation. The request is still forwarded.
	ErrRequestQueueFull = errors.New("relay: too many requests awaiting responses")
)

// PairConfig holds what every pair of a listener shares.
type PairConfig struct {
	Sink    *recording.Sink
	Printer *httpstream.Printer
	Logger  *zap.Logger

	BufferSize      int
	MaxMessageBytes int
}

// PairStats summarises a pair's traffic.
type PairStats struct {
	ClientBytes   int64 `json:"client_bytes"`
	UpstreamBytes int64 `json:"upstream_bytes"`
	Exchanges     int64 `json:"exchanges"`
	Faults        int64 `json:"faults"`
}

// Pair owns one accepted client connection and its upstream connection.
type Pair struct {
	id       string
	client   net.Conn
	upstream net.Conn
	cfg      PairConfig
	logger   *zap.Logger
	opened   time.Time

	requests  *httpstream.Stream[*httpstream.Request]
	responses *httpstream.Stream[*httpstream.Response]

	// queue carries decoded requests from the client loop to the upstream
	// loop, which alone owns pending.
	queue   chan *httpstream.Request
	pending []*httpstream.Request

	exchanges atomic.Int64
	faults    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewPair wraps an accepted client connection and its upstream connection.
func NewPair(client, upstream net.Conn, cfg PairConfig) *Pair {
	if cfg.Sink == nil {
		cfg.Sink = recording.NewSink()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = types.DefaultBufferSize
	}

	p := &Pair{
		id:       uuid.NewString(),
		client:   client,
		upstream: upstream,
		cfg:      cfg,
		opened:   time.Now(),
		queue:    make(chan *httpstream.Request, requestQueueSize),
		done:     make(chan struct{}),
	}
	p.logger = cfg.Logger.With(
		zap.String("pair", p.id),
		zap.Stringer("client", client.RemoteAddr()),
		zap.Stringer("upstream", upstream.RemoteAddr()),
	)

	opts := []httpstream.StreamOption{
		httpstream.WithFault(p.streamFault),
		httpstream.WithMaxBuffer(cfg.MaxMessageBytes),
	}
	p.requests = httpstream.NewRequestStream(p.onRequest, opts...)
	p.responses = httpstream.NewResponseStream(p.nextMethod, p.onResponse, opts...)
	return p
}

// Done is closed once both forwarding loops have returned.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Stats returns the pair's counters so far.
func (p *Pair) Stats() PairStats {
	return PairStats{
		ClientBytes:   p.requests.Fed(),
		UpstreamBytes: p.responses.Fed(),
		Exchanges:     p.exchanges.Load(),
		Faults:        p.faults.Load(),
	}
}

// Run forwards in both directions until both loops end. It uses the calling
// goroutine for the client loop and one more for the upstream loop.
// A clean EOF from the client only half-closes the upstream, so responses
// still in flight reach the client; any other loop end closes both sockets.
func (p *Pair) Run() {
	defer close(p.done)
	p.logger.Debug("pair opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := p.forward(p.client, p.upstream, p.responses)
		p.loopEnded(httpstream.ServerToClient, err)
		// Nothing more can be answered once the upstream is gone.
		p.Close()
	}()

	err := p.forward(p.upstream, p.client, p.requests)
	p.loopEnded(httpstream.ClientToServer, err)
	if err != nil || !closeWrite(p.upstream) {
		p.Close()
	}

	wg.Wait()
	p.Close()

	stats := p.Stats()
	p.logger.Info("pair closed",
		zap.Int64("client_bytes", stats.ClientBytes),
		zap.Int64("upstream_bytes", stats.UpstreamBytes),
		zap.Int64("exchanges", stats.Exchanges),
		zap.Int64("faults", stats.Faults),
		zap.Duration("duration", time.Since(p.opened)),
	)
}

// Close tears down both connections. It is safe to call concurrently and
// more than once.
func (p *Pair) Close() {
	p.closeOnce.Do(func() {
		p.client.Close()
		p.upstream.Close()
	})
}

// forward copies src to dst unmodified. Every chunk is fed to tap before it
// is written onward; tap never fails and never holds the chunk back.
func (p *Pair) forward(dst, src net.Conn, tap io.Writer) error {
	buf := make([]byte, p.cfg.BufferSize)
	// Hiding ReadFrom keeps io.CopyBuffer on our buffer and our tee.
	_, err := io.CopyBuffer(struct{ io.Writer }{dst}, io.TeeReader(src, tap), buf)
	return err
}

func (p *Pair) loopEnded(dir httpstream.Direction, err error) {
	if err == nil || IsClosedConn(err) {
		p.logger.Debug("forwarding ended", zap.Stringer("direction", dir))
		return
	}
	p.logger.Warn("forwarding failed", zap.Stringer("direction", dir), zap.Error(err))
}

// onRequest runs on the client loop.
func (p *Pair) onRequest(req *httpstream.Request) {
	p.cfg.Printer.LogRequest(p.id, req)
	select {
	case p.queue <- req:
	default:
		p.fault(httpstream.ClientToServer, ErrRequestQueueFull,
			zap.String("method", req.Method), zap.String("path", req.Path))
	}
}

// nextMethod runs on the upstream loop before each response decode attempt.
func (p *Pair) nextMethod() string {
	p.collectPending()
	if len(p.pending) == 0 {
		return ""
	}
	return p.pending[0].Method
}

// collectPending moves queued requests into the FIFO without blocking.
func (p *Pair) collectPending() {
	for {
		select {
		case req := <-p.queue:
			p.pending = append(p.pending, req)
		default:
			return
		}
	}
}

// onResponse runs on the upstream loop.
func (p *Pair) onResponse(resp *httpstream.Response) {
	if resp.Informational() {
		p.logger.Debug("interim response", zap.Int("status", resp.Status))
		return
	}

	p.collectPending()
	if len(p.pending) == 0 {
		p.fault(httpstream.ServerToClient, ErrUnsolicitedResponse, zap.Int("status", resp.Status))
		return
	}
	req := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]

	p.cfg.Sink.LogStep(recording.NewExchange(p.id, req, resp))
	p.exchanges.Add(1)
	p.cfg.Printer.LogResponse(p.id, req, resp)

	if resp.SwitchesProtocols() {
		p.logger.Info("protocol switched, decoding stopped",
			zap.String("upgrade", resp.Header.Get("Upgrade")))
		p.requests.Stop(nil)
		p.responses.Stop(nil)
	}
}

// streamFault runs when a direction stops decoding. Without both directions
// responses can no longer be matched, so the other one stops too.
func (p *Pair) streamFault(dir httpstream.Direction, err error) {
	p.fault(dir, err)
	p.requests.Stop(nil)
	p.responses.Stop(nil)
}

func (p *Pair) fault(dir httpstream.Direction, err error, fields ...zap.Field) {
	p.faults.Add(1)
	p.logger.Warn("recording fault",
		append([]zap.Field{zap.Stringer("direction", dir), zap.Error(err)}, fields...)...)
	p.cfg.Printer.LogFault(p.id, dir, err)
}

// closeWrite closes the write side of a connection if supported.
func closeWrite(conn net.Conn) bool {
	cw, ok := conn.(interface{ CloseWrite() error })
	return ok && cw.CloseWrite() == nil
}
