package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	jww "github.com/spf13/jwalterweatherman"
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	BaseURL     string
	Function    string
	Credentials CredentialSource
	UserID      string

	// Feed delivers change events. Defaults to an in-process Hub that only
	// receives what the embedder publishes.
	Feed Feed
	// Journal defaults to a MemoryJournal.
	Journal Journal
	// Registerer receives the engine's metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	Clock       clock.Clock
	RetryPolicy *RetryPolicy
	Timeout     time.Duration

	WarmupDelay time.Duration
	// ProbeInterval enables periodic connectivity probes when positive.
	ProbeInterval time.Duration

	KeepFailedEdits bool
}

// Engine bundles a Client, Store, Monitor, Feed and Reconciler.
type Engine struct {
	Client     *Client
	Store      *Store
	Monitor    *Monitor
	Feed       Feed
	Reconciler *Reconciler
	Metrics    *Metrics

	journal     Journal
	warmupDelay time.Duration
	probeEvery  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	warmup  *clock.Timer
	wg      sync.WaitGroup
	started bool
}

type connector interface {
	Connect(ctx context.Context) error
}

type stateObserver interface {
	OnStateChange(fn func(RealtimeState))
}

// NewEngine builds an engine from cfg without starting it.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Feed == nil {
		cfg.Feed = NewHub()
	}
	if cfg.Journal == nil {
		cfg.Journal = NewMemoryJournal()
	}
	if cfg.WarmupDelay == 0 {
		cfg.WarmupDelay = DefaultWarmupDelay
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	opts := []ClientOption{WithClock(cfg.Clock), WithMetrics(metrics)}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Function != "" {
		opts = append(opts, WithFunction(cfg.Function))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.RetryPolicy != nil {
		opts = append(opts, WithRetryPolicy(*cfg.RetryPolicy))
	}
	client := NewClient(cfg.Credentials, opts...)

	keys := NewKeyGenerator()
	keys.clock = cfg.Clock
	store := NewStore(client, cfg.UserID, &StoreOptions{
		Journal:         cfg.Journal,
		Keys:            keys,
		Metrics:         metrics,
		Clock:           cfg.Clock,
		KeepFailedEdits: cfg.KeepFailedEdits,
	})
	monitor := NewMonitor(cfg.Clock)
	reconciler := NewReconciler(store, cfg.Feed, &ReconcilerOptions{
		Clock:   cfg.Clock,
		Metrics: metrics,
	})

	if obs, ok := cfg.Feed.(stateObserver); ok {
		obs.OnStateChange(func(s RealtimeState) {
			switch s {
			case StateConnected:
				monitor.SetOnline(true)
			case StateReconnecting:
				monitor.SetOnline(false)
			}
		})
	}

	return &Engine{
		Client:      client,
		Store:       store,
		Monitor:     monitor,
		Feed:        cfg.Feed,
		Reconciler:  reconciler,
		Metrics:     metrics,
		journal:     cfg.Journal,
		warmupDelay: cfg.WarmupDelay,
		probeEvery:  cfg.ProbeInterval,
	}, nil
}

// Start connects the feed, loads the first chat page, resubmits journaled
// sends, schedules the warm-up call and starts reconciliation. Failures of
// the feed or of the initial load leave the engine running; the load error
// is returned for the caller to show.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if c, ok := e.Feed.(connector); ok {
		if err := c.Connect(ctx); err != nil {
			jww.WARN.Printf("[chatsync engine] feed unavailable, continuing without push: %v", err)
		}
	}

	loadErr := e.Store.RefreshChats(ctx)
	if loadErr != nil {
		jww.WARN.Printf("[chatsync engine] initial chat load failed: %v", loadErr)
	}

	if n, err := e.Store.ResumePending(ctx); err != nil {
		jww.WARN.Printf("[chatsync engine] reading send journal: %v", err)
	} else if n > 0 {
		jww.INFO.Printf("[chatsync engine] resolved %d pending sends", n)
	}

	e.mu.Lock()
	e.warmup = e.Monitor.ScheduleWarmup(runCtx, e.warmupDelay, e.Client.Warmup)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Reconciler.Run(runCtx); err != nil {
			jww.ERROR.Printf("[chatsync engine] reconciler stopped: %v", err)
		}
	}()

	if e.probeEvery > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Monitor.Watch(runCtx, e.probeEvery, e.Client.Warmup)
		}()
	}
	return loadErr
}

// Close stops background work and releases the feed and journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	if e.warmup != nil {
		e.warmup.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.Store.removeAll()
	feedErr := e.Feed.Close()
	if err := e.journal.Close(); err != nil {
		return errors.Wrap(err, "closing journal")
	}
	return feedErr
}
