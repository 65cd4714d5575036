// Package mailcrab implements a fake SMTP sink for development: mail
// accepted over SMTP is parsed, kept in memory, and exposed over an HTTP
// JSON API plus a websocket live feed. Nothing is ever delivered.
package mailcrab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/queue"
	"github.com/mailcrab/mailcrab/store"
	"github.com/mailcrab/mailcrab/web"
)

// how long Shutdown waits for in-flight sessions and requests
const shutdownTimeout = 5 * time.Second

// Daemon ties the SMTP listener, the broadcast queue, the store and the
// HTTP API together. Create with New, run with Start, stop with Shutdown.
type Daemon struct {
	Config *Config
	Logger log.Logger

	smtp  *Server
	web   *web.Server
	bus   *queue.Broadcaster
	store *store.Store

	g         *errgroup.Group
	shutdown  chan struct{}
	closeOnce sync.Once
}

// New wires a daemon from the given configuration
func New(cfg *Config) (*Daemon, error) {
	logger, err := log.GetLogger(cfg.LogDest, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("could not configure logging: %w", err)
	}

	d := &Daemon{
		Config:   cfg,
		Logger:   logger,
		bus:      queue.NewBroadcaster(cfg.QueueCapacity),
		store:    store.New(cfg.RetentionPeriod, logger),
		shutdown: make(chan struct{}),
	}
	smtp, err := NewServer(cfg, d.bus, logger)
	if err != nil {
		return nil, err
	}
	d.smtp = smtp
	d.web = web.NewServer(web.Config{
		Addr:    cfg.HTTPAddr(),
		Prefix:  cfg.Prefix,
		Version: Version,
	}, d.store, d.bus, logger)
	return d, nil
}

// Start launches the store loop and both listeners, then blocks until
// everything has stopped. Returns the first error; nil after a clean
// Shutdown.
func (d *Daemon) Start() error {
	// the store subscribes before the SMTP listener binds, so the first
	// accepted message always has a subscriber
	storeSub, err := d.bus.Subscribe()
	if err != nil {
		return err
	}

	var startWG sync.WaitGroup
	startWG.Add(2)

	g, ctx := errgroup.WithContext(context.Background())
	d.g = g
	g.Go(func() error {
		d.store.Run(storeSub, d.shutdown)
		return nil
	})
	g.Go(func() error {
		return d.smtp.Start(&startWG)
	})
	g.Go(func() error {
		return d.web.Start(&startWG)
	})
	// a listener failure takes the whole daemon down
	g.Go(func() error {
		select {
		case <-ctx.Done():
			d.Shutdown()
		case <-d.shutdown:
		}
		return nil
	})

	startWG.Wait()
	return g.Wait()
}

// Shutdown stops the daemon: no new connections, in-flight SMTP sessions
// and HTTP requests get shutdownTimeout to finish, then the queue closes
// and the store loop exits. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.closeOnce.Do(func() {
		d.Logger.Info("Shutting down")
		d.smtp.Shutdown(shutdownTimeout)
		d.web.Shutdown(shutdownTimeout)
		d.bus.Close()
		close(d.shutdown)
	})
}

// ReopenLogs closes and reopens the log destination, for rotation
func (d *Daemon) ReopenLogs() error {
	return d.Logger.Reopen()
}

// SMTPAddr reports the bound SMTP listen address
func (d *Daemon) SMTPAddr() string {
	return d.smtp.Addr()
}

// HTTPAddr reports the bound HTTP listen address
func (d *Daemon) HTTPAddr() string {
	return d.web.Addr()
}

// Store exposes the message store, for embedding the daemon in tests
func (d *Daemon) Store() *store.Store {
	return d.store
}
