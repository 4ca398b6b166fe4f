// Package orchestrator owns the peer directory and the marker caches and
// drives them from the location feed, two timers and local user commands.
//
// Every mutation of directory and cache state happens on one goroutine, the
// loop started by Run. Background work (snapshot fetches, the push
// subscription, profile and photo lookups, uploads) hands its results to the
// loop through the inbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pinmap/locsync/internal/cache"
	"github.com/pinmap/locsync/internal/channel"
	"github.com/pinmap/locsync/internal/directory"
	"github.com/pinmap/locsync/internal/feed"
	"github.com/pinmap/locsync/internal/monitor"
	"github.com/pinmap/locsync/internal/sweeper"
	"github.com/pinmap/locsync/internal/viewer"
	"github.com/pinmap/locsync/pkg/core"
)

// Defaults for zero-valued Dependencies fields.
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultSignalBuffer    = 64
	DefaultInboxSize       = 256
)

var (
	// ErrStopped is returned by commands sent after Run has returned.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// Source is the location feed. *feed.Feed implements it.
type Source interface {
	Viewer() (core.PeerID, error)
	FetchSnapshot(ctx context.Context) ([]core.PeerState, error)
	FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error)
	Subscribe(ctx context.Context, h feed.Handlers) error
}

// Photos loads avatar images. *photos.Fetcher implements it.
type Photos interface {
	Placeholder() []byte
	FetchOrPlaceholder(ctx context.Context, ref string) (img []byte, fallback bool)
}

// Uploader writes the local user's location row. *uploader.Uploader
// implements it.
type Uploader interface {
	Enqueue(rec core.LocationRecord)
	Flush(rec core.LocationRecord)
	Run(ctx context.Context) error
}

// StatsSink receives a summary of every snapshot refresh.
type StatsSink interface {
	RecordRefresh(peers, visible, markers int, took time.Duration, ok bool, at time.Time)
}

// Dependencies holds the collaborators of an Orchestrator. Source and
// Renderer are required.
type Dependencies struct {
	Source   Source
	Renderer cache.Renderer
	Photos   Photos    // optional
	Uploader Uploader  // optional
	Stats    StatsSink // optional
	Sweeper  *sweeper.Sweeper
	Health   *monitor.Health
	Viewer   *viewer.Context
	Logger   *slog.Logger

	RefreshInterval time.Duration
	SignalBuffer    int
	InboxSize       int
}

// Orchestrator composes the feed, directory, caches and sweeper.
type Orchestrator struct {
	source   Source
	photos   Photos
	uploader Uploader
	stats    StatsSink
	sweeper  *sweeper.Sweeper
	health   *monitor.Health
	viewer   *viewer.Context
	log      *slog.Logger

	refreshInterval time.Duration
	now             func() time.Time

	// loop-owned state
	dir             *directory.Directory
	peers           *cache.AnnotationCache
	self            *cache.AnnotationCache
	pendingProfiles map[core.PeerID]struct{}
	pendingPhotos   map[core.PeerID]string
	uploadedAt      time.Time
	tasks           *errgroup.Group
	tasksCtx        context.Context

	inbox       channel.Channel[func()]
	signals     chan core.Signal
	refreshWake chan struct{}
	started     atomic.Bool
	stopped     chan struct{}
	stopCtx     context.Context
	stop        context.CancelFunc

	liveMarkers atomic.Int64
	metrics     instruments
}

// New creates an Orchestrator. Nothing runs until Run is called.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Source == nil {
		return nil, errors.New("orchestrator: source is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("orchestrator: renderer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Viewer == nil {
		deps.Viewer = viewer.NewContext()
	}
	if deps.Health == nil {
		deps.Health = monitor.NewHealth(monitor.DefaultThreshold)
	}
	if deps.Sweeper == nil {
		sw, err := sweeper.New(sweeper.Dependencies{Logger: deps.Logger})
		if err != nil {
			return nil, fmt.Errorf("failed to create sweeper: %w", err)
		}
		deps.Sweeper = sw
	}
	if deps.RefreshInterval <= 0 {
		deps.RefreshInterval = DefaultRefreshInterval
	}
	if deps.SignalBuffer <= 0 {
		deps.SignalBuffer = DefaultSignalBuffer
	}
	if deps.InboxSize <= 0 {
		deps.InboxSize = DefaultInboxSize
	}

	stopCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		source:          deps.Source,
		photos:          deps.Photos,
		uploader:        deps.Uploader,
		stats:           deps.Stats,
		sweeper:         deps.Sweeper,
		health:          deps.Health,
		viewer:          deps.Viewer,
		log:             deps.Logger,
		refreshInterval: deps.RefreshInterval,
		now:             time.Now,
		dir:             directory.New(),
		peers:           cache.NewAnnotationCache(deps.Renderer),
		self:            cache.NewAnnotationCache(deps.Renderer),
		pendingProfiles: make(map[core.PeerID]struct{}),
		pendingPhotos:   make(map[core.PeerID]string),
		inbox:           channel.New[func()](deps.InboxSize),
		signals:         make(chan core.Signal, deps.SignalBuffer),
		refreshWake:     make(chan struct{}, 1),
		stopped:         make(chan struct{}),
		stopCtx:         stopCtx,
		stop:            stop,
	}
	if err := o.initMetrics(); err != nil {
		stop()
		return nil, err
	}
	return o, nil
}

// Signals returns the channel of UI notifications. It is closed when Run
// returns. Signals are dropped, not queued, when the buffer is full.
func (o *Orchestrator) Signals() <-chan core.Signal {
	return o.signals
}

// Viewer returns the local session state.
func (o *Orchestrator) Viewer() *viewer.Context {
	return o.viewer
}

// Run starts the subscription, the refresh and sweep timers and the
// uploader, and processes events until ctx is cancelled. On return every
// marker has been released and all background work has finished. Run may
// be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(o.signals)
	defer close(o.stopped)
	defer o.stop()

	id, err := o.source.Viewer()
	if err != nil {
		return fmt.Errorf("failed to resolve viewer: %w", err)
	}
	o.viewer.SetID(id)
	o.log.Info("Starting location sync", "viewer", id, "refresh", o.refreshInterval, "sweep", o.sweeper.Interval())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	o.tasks, o.tasksCtx = g, gctx

	// Startup snapshot, applied before any push event.
	o.refreshNow(gctx)

	g.Go(func() error { return o.refreshLoop(gctx) })
	g.Go(func() error { return o.sweepLoop(gctx) })
	g.Go(func() error {
		err := o.source.Subscribe(gctx, feed.Handlers{
			OnUpdate:         func(u core.PeerUpdate) { o.post(gctx, func() { o.applyUpdate(u) }) },
			OnVisibilityLost: func(id core.PeerID, at time.Time) { o.post(gctx, func() { o.applyVisibilityLost(id, at) }) },
			OnStatus:         func(up bool) { o.post(gctx, func() { o.applyStatus(up) }) },
			OnProfile:        func(p core.Profile) { o.post(gctx, func() { o.applyProfile(p) }) },
		})
		if err != nil {
			return fmt.Errorf("subscription: %w", err)
		}
		return nil
	})
	if o.uploader != nil {
		g.Go(func() error { return o.uploader.Run(gctx) })
	}

	o.loop(gctx)
	cancel()
	err = g.Wait()
	o.teardown()

	if err != nil && !errors.Is(err, context.Canceled) {
		o.log.Error("Location sync stopped with error", "error", err)
		return err
	}
	o.log.Info("Location sync stopped")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-o.inbox.Receive():
			fn()
		}
	}
}

// teardown runs on the Run goroutine after the loop and every task exited.
func (o *Orchestrator) teardown() {
	peers := o.peers.Clear()
	self := o.self.Clear()
	o.liveMarkers.Store(0)
	o.log.Info("Released markers", "peers", peers, "self", self)
}

// post hands fn to the loop. It fails once Run has returned or ctx is done.
func (o *Orchestrator) post(ctx context.Context, fn func()) error {
	select {
	case <-o.stopped:
		return ErrStopped
	default:
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(o.stopCtx, cancel)
	defer unhook()

	if err := o.inbox.SendContext(ctx, fn); err != nil {
		if o.stopCtx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	return nil
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := o.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// spawn runs fn as a background task of the current run. Called from the
// loop only.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	if o.tasks == nil {
		return
	}
	ctx := o.tasksCtx
	o.tasks.Go(func() error {
		fn(ctx)
		return nil
	})
}

func (o *Orchestrator) emit(s core.Signal) {
	select {
	case o.signals <- s:
	default:
		o.metrics.signalsDropped.Add(context.Background(), 1)
		o.log.Warn("Signal dropped, consumer is not keeping up", "kind", s.Kind.String(), "peer", s.PeerID)
	}
}

func (o *Orchestrator) syncMarkerGauge() {
	o.liveMarkers.Store(int64(o.peers.Len()))
}
