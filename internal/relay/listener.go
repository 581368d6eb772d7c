package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/httpstream"
	"github.com/burpheart/proxycord/internal/recording"
	"github.com/burpheart/proxycord/pkg/types"
)

// pairWeight is the number of pool slots a pair holds: one per direction.
const pairWeight = 2

// Options configures a Listener.
type Options struct {
	Addr       string
	RemoteAddr string

	Workers         int
	BufferSize      int
	MaxMessageBytes int

	Dialer  *Dialer
	Sink    *recording.Sink
	Printer *httpstream.Printer
	Logger  *zap.Logger
}

// OptionsFromConfig fills the address and sizing fields from cfg.
func OptionsFromConfig(cfg *types.Config) Options {
	return Options{
		Addr:            cfg.LocalAddr(),
		RemoteAddr:      cfg.RemoteAddr(),
		Workers:         cfg.Workers,
		BufferSize:      cfg.BufferSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Dialer:          NewDialer(cfg.UpstreamProxy, cfg.DialTimeout),
	}
}

// Listener accepts client connections and relays each one to the upstream
// through its own Pair.
type Listener struct {
	opts   Options
	ln     net.Listener
	pool   *Pool
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	active   atomic.Bool
	accepted atomic.Int64

	mu      sync.Mutex
	closed  bool
	pairs   map[*Pair]struct{}
	serving sync.WaitGroup

	closeOnce sync.Once
}

// Listen binds the local address. A bind failure is returned as is; nothing
// is accepted until Serve is called.
func Listen(ctx context.Context, opts Options) (*Listener, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = recording.NewSink()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewDialer("", types.DefaultDialTimeout)
	}
	if opts.Workers < pairWeight {
		opts.Workers = types.DefaultWorkers
	}

	// net.ListenConfig enables SO_REUSEADDR on Unix listeners.
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		opts:   opts,
		ln:     ln,
		pool:   NewPool(opts.Workers),
		logger: opts.Logger,
		ctx:    lctx,
		cancel: cancel,
		pairs:  make(map[*Pair]struct{}),
	}
	l.active.Store(true)
	l.logger.Info("listener bound",
		zap.Stringer("addr", ln.Addr()),
		zap.String("upstream", opts.RemoteAddr),
		zap.Int("workers", opts.Workers),
	)
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Active reports whether the listener still accepts connections.
func (l *Listener) Active() bool {
	return l.active.Load()
}

// ActivePairs returns the number of pairs currently relaying.
func (l *Listener) ActivePairs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

// Accepted returns the number of connections accepted so far.
func (l *Listener) Accepted() int64 {
	return l.accepted.Load()
}

// Serve runs the accept loop until Close. Errors seen after Close are
// swallowed and Serve returns nil.
func (l *Listener) Serve() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.serving.Add(1)
	l.mu.Unlock()
	defer l.serving.Done()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.active.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if max := time.Second; backoff > max {
				backoff = max
			}
			l.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.accepted.Add(1)
		l.handle(conn)
	}
}

// handle queues the connection on the pool without waiting for a slot.
func (l *Listener) handle(client net.Conn) {
	task := func() { l.relay(client) }
	abandon := func(err error) {
		l.logger.Debug("connection abandoned", zap.Stringer("client", client.RemoteAddr()), zap.Error(err))
		client.Close()
	}
	if err := l.pool.Submit(pairWeight, task, abandon); err != nil {
		abandon(err)
	}
}

// relay runs on the pool: it dials the upstream and runs the pair.
func (l *Listener) relay(client net.Conn) {
	upstream, err := l.opts.Dialer.DialContext(l.ctx, "tcp", l.opts.RemoteAddr)
	if err != nil {
		client.Close()
		if l.active.Load() {
			l.logger.Warn("dial upstream failed",
				zap.Stringer("client", client.RemoteAddr()),
				zap.String("upstream", l.opts.RemoteAddr),
				zap.Error(err))
		}
		return
	}

	pair := NewPair(client, upstream, PairConfig{
		Sink:            l.opts.Sink,
		Printer:         l.opts.Printer,
		Logger:          l.logger,
		BufferSize:      l.opts.BufferSize,
		MaxMessageBytes: l.opts.MaxMessageBytes,
	})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		pair.Close()
		return
	}
	l.pairs[pair] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pairs, pair)
		l.mu.Unlock()
	}()
	pair.Run()
}

// SetInactive stops the accept loop. It is safe to call concurrently with
// Serve and more than once.
func (l *Listener) SetInactive() {
	if l.active.CompareAndSwap(true, false) {
		l.ln.Close()
	}
}

// Close stops accepting, closes every live pair and waits for all of them to
// finish. It is idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.SetInactive()

		l.mu.Lock()
		l.closed = true
		pairs := make([]*Pair, 0, len(l.pairs))
		for p := range l.pairs {
			pairs = append(pairs, p)
		}
		l.mu.Unlock()

		l.cancel()
		for _, p := range pairs {
			p.Close()
		}
		l.pool.Close()
		l.serving.Wait()

		l.logger.Info("listener stopped",
			zap.Int64("accepted", l.accepted.Load()),
			zap.Int("closed_pairs", len(pairs)))
	})
	return nil
}

// IsClosedConn reports whether err only says that a connection was closed,
// by either side.
func IsClosedConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
