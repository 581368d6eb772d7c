// Package app wires the listener, the recording and the management API into
// one controllable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/api"
	"github.com/burpheart/proxycord/internal/httpstream"
	"github.com/burpheart/proxycord/internal/recording"
	"github.com/burpheart/proxycord/internal/relay"
	"github.com/burpheart/proxycord/pkg/types"
)

// App owns one recording session.
type App struct {
	cfg     *types.Config
	logger  *zap.Logger
	sink    *recording.Sink
	printer *httpstream.Printer
	stdout  io.Writer

	mu       sync.Mutex
	started  bool
	listener *relay.Listener
	api      *api.Server
	served   chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithStdout sets where the recording goes when no output file is
// configured.
func WithStdout(w io.Writer) Option {
	return func(a *App) { a.stdout = w }
}

// WithPrinter sets the live traffic printer.
func WithPrinter(p *httpstream.Printer) Option {
	return func(a *App) { a.printer = p }
}

// New validates cfg and returns an App that has not started yet.
func New(cfg *types.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		sink:   recording.NewSink(),
		stdout: os.Stdout,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start binds the listener and starts accepting connections and, when
// configured, the management API. A bind failure is returned and nothing
// is left running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	opts := relay.OptionsFromConfig(a.cfg)
	opts.Sink = a.sink
	opts.Printer = a.printer
	opts.Logger = a.logger.Named("relay")

	ln, err := relay.Listen(ctx, opts)
	if err != nil {
		return err
	}

	if a.cfg.APIPort > 0 {
		srv := api.NewServer(a.cfg.APIPort, a, a.logger)
		if err := srv.Start(); err != nil {
			ln.Close()
			return err
		}
		a.sink.OnStep(func(step recording.Step) { srv.Hub().Broadcast(step) })
		a.api = srv
	}

	a.listener = ln
	a.started = true
	a.served = make(chan struct{})
	go func() {
		defer close(a.served)
		if err := ln.Serve(); err != nil {
			a.logger.Error("accept loop failed", zap.Error(err))
			go a.Stop()
		}
	}()
	return nil
}

// Addr returns the address the listener is bound to, or nil before Start.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// APIAddr returns the management API address, or nil when it is disabled.
func (a *App) APIAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil
	}
	return a.api.Addr()
}

// Done is closed once Stop has finished.
func (a *App) Done() <-chan struct{} {
	return a.done
}

// Stop stops accepting, closes every live pair and the API, and waits for
// them. It is idempotent and safe to call concurrently.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		ln, srv, served := a.listener, a.api, a.served
		a.mu.Unlock()

		if ln != nil {
			ln.Close()
			<-served
		}
		if srv != nil {
			if err := srv.Close(); err != nil {
				a.logger.Warn("api server close", zap.Error(err))
			}
		}
		a.logger.Info("stopped", zap.Int("steps", a.sink.Len()))
		close(a.done)
	})
}

// Sink returns the recording.
func (a *App) Sink() *recording.Sink {
	return a.sink
}

// Mark records a label. An empty label becomes "unnamed".
func (a *App) Mark(label string) recording.Step {
	m := recording.NewMark(label)
	a.sink.LogStep(m)
	return m
}

// Drop removes the n most recent steps and returns how many were removed.
func (a *App) Drop(n int) int {
	return a.sink.DropMostRecent(n)
}

// List returns the last n steps, oldest first. n <= 0 lists everything.
func (a *App) List(n int) []recording.Step {
	return a.sink.Snapshot(n)
}

// StepCount returns the number of recorded steps.
func (a *App) StepCount() int {
	return a.sink.Len()
}

// ActivePairs returns the number of connections currently relayed.
func (a *App) ActivePairs() int {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return 0
	}
	return ln.ActivePairs()
}

// Accepted returns the number of client connections accepted so far.
func (a *App) Accepted() int64 {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return 0
	}
	return ln.Accepted()
}

// WriteRecording writes every step as JSON to the configured output file,
// or to stdout when none is set.
func (a *App) WriteRecording() error {
	dest := a.cfg.OutFile
	if dest == "" {
		if err := a.sink.WriteJSON(a.stdout); err != nil {
			return fmt.Errorf("write recording: %w", err)
		}
		dest = "stdout"
	} else {
		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		if err := a.sink.WriteJSON(f); err != nil {
			f.Close()
			return fmt.Errorf("write recording: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close recording: %w", err)
		}
	}
	a.logger.Info("recording written", zap.String("dest", dest), zap.Int("steps", a.sink.Len()))
	return nil
}

var _ api.Controller = (*App)(nil)
