// Package feed is the location source of the viewer's friends: a snapshot
// from the relational store and a push subscription on the change feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pinmap/locsync/internal/auth"
	"github.com/pinmap/locsync/internal/dispatcher"
	"github.com/pinmap/locsync/internal/logging"
	"github.com/pinmap/locsync/internal/parser"
	"github.com/pinmap/locsync/internal/realtime"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/internal/worker"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
	"github.com/rs/zerolog"
)

// DefaultFriendsInterval is how often the friend list is re-read to keep the
// subscription filter current.
const DefaultFriendsInterval = 5 * time.Minute

// Handlers receives push events in receipt order. Callbacks must not block
// for long; the subscription does not read while they run.
type Handlers struct {
	OnUpdate         func(core.PeerUpdate)
	OnVisibilityLost func(id core.PeerID, at time.Time)
	OnStatus         func(connected bool)
	// OnProfile is optional; it runs on a separate goroutine.
	OnProfile func(core.Profile)
}

// Subscriber is the push transport. *realtime.Client implements it.
type Subscriber interface {
	Run(ctx context.Context, subs []streaming.SubscribePayload, h realtime.Handlers) error
}

// Dependencies holds the collaborators of a Feed.
type Dependencies struct {
	Store      storage.Store
	Session    auth.Session
	Subscriber Subscriber
	Logger     *slog.Logger
	// DispatchLogger logs per-event handling; defaults to a silent logger.
	DispatchLogger  dispatcher.Logger
	FriendsInterval time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Feed implements the snapshot and subscription halves of the location
// source.
type Feed struct {
	deps Dependencies
	log  *slog.Logger
}

// New creates a Feed with defaults filled in.
func New(deps Dependencies) *Feed {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DispatchLogger == nil {
		deps.DispatchLogger = logging.NewDispatcherLogger(zerolog.Nop())
	}
	if deps.FriendsInterval <= 0 {
		deps.FriendsInterval = DefaultFriendsInterval
	}
	if deps.InitialBackoff <= 0 {
		deps.InitialBackoff = time.Second
	}
	if deps.MaxBackoff <= 0 {
		deps.MaxBackoff = 30 * time.Second
	}
	return &Feed{deps: deps, log: deps.Logger}
}

// Viewer returns the signed-in user.
func (f *Feed) Viewer() (core.PeerID, error) {
	id, err := f.deps.Session.CurrentUserID()
	if err != nil {
		return "", err
	}
	return core.PeerID(id), nil
}

// FetchSnapshot returns every friend of the viewer with their latest
// location and profile. Backend failures are TransientFetchErrors.
func (f *Feed) FetchSnapshot(ctx context.Context) ([]core.PeerState, error) {
	viewer, err := f.Viewer()
	if err != nil {
		return nil, err
	}
	peers, err := f.deps.Store.FetchPeers(ctx, viewer)
	if err != nil {
		return nil, storage.Transient("snapshot", err)
	}
	return peers, nil
}

// FetchProfile looks up one user's display metadata.
func (f *Feed) FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error) {
	return f.deps.Store.FetchProfile(ctx, id)
}

// Subscribe streams push events until ctx is cancelled. The subscription
// filter follows the friend list, re-read every FriendsInterval.
func (f *Feed) Subscribe(ctx context.Context, h Handlers) error {
	viewer, err := f.Viewer()
	if err != nil {
		return err
	}

	disp, err := dispatcher.New(f.deps.DispatchLogger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer disp.Close()

	mgr, err := worker.NewManager(worker.Dependencies{
		Parser: parser.NewParser(f.log),
		Logger: f.log,
		Self:   viewer,
		Sink: worker.Sink{
			OnUpdate:         h.OnUpdate,
			OnVisibilityLost: h.OnVisibilityLost,
			OnProfile:        h.OnProfile,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	mgr.RegisterHandlers(disp)

	onChange := func(c streaming.ChangePayload) {
		err := disp.Dispatch(dispatcher.Event{
			Table:      c.Table,
			Type:       c.Event,
			Record:     c.Record,
			OldRecord:  c.OldRecord,
			ReceivedAt: time.Now(),
		})
		if errors.Is(err, dispatcher.ErrUnhandled) {
			f.log.Debug("Ignoring change event", "table", c.Table, "event", c.Event)
		}
	}

	backoff := f.deps.InitialBackoff
	for {
		friends, err := f.deps.Store.FetchFriendIDs(ctx, viewer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if h.OnStatus != nil {
				h.OnStatus(false)
			}
			f.log.Warn("Failed to load friend list for subscription", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, f.deps.MaxBackoff)
			continue
		}
		backoff = f.deps.InitialBackoff
		mgr.SetFriends(friends)

		subCtx, cancel := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			f.watchFriends(subCtx, cancel, viewer, friends)
		}()

		f.log.Info("Subscribing to change feed", "friends", len(friends))
		err = f.deps.Subscriber.Run(subCtx, Subscriptions(friends), realtime.Handlers{
			OnChange: onChange,
			OnStatus: h.OnStatus,
		})
		cancel()
		<-watchDone

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("subscription failed: %w", err)
		}
		f.log.Info("Friend list changed, resubscribing")
	}
}

// watchFriends cancels the running subscription once the friend list
// differs from current.
func (f *Feed) watchFriends(ctx context.Context, cancel context.CancelFunc, viewer core.PeerID, current []core.PeerID) {
	ticker := time.NewTicker(f.deps.FriendsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := f.deps.Store.FetchFriendIDs(ctx, viewer)
			if err != nil {
				f.log.Debug("Friend list refresh failed", "error", err)
				continue
			}
			if !sameIDs(ids, current) {
				cancel()
				return
			}
		}
	}
}

// Subscriptions builds the change-feed subscriptions for a friend list.
func Subscriptions(friends []core.PeerID) []streaming.SubscribePayload {
	ids := make([]string, len(friends))
	for i, id := range friends {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	list := "(" + strings.Join(ids, ",") + ")"
	return []streaming.SubscribePayload{
		{Table: streaming.TableLocations, Filter: parser.ColUserID + "=in." + list},
		{Table: streaming.TableProfiles, Filter: parser.ColID + "=in." + list},
	}
}

func sameIDs(a, b []core.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[core.PeerID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
