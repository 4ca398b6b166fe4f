// Package realtime is the client side of the change feed: it keeps one
// websocket open, subscribes to tables and hands change payloads to the
// caller in receipt order, reconnecting with capped exponential backoff.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pinmap/locsync/pkg/streaming"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultAckTimeout     = 10 * time.Second
)

// Config holds the realtime client settings.
type Config struct {
	URL    string
	Token  string
	APIKey string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AckTimeout     time.Duration

	Logger *slog.Logger
}

// Handlers receives the feed output. Both callbacks run on the goroutine
// that called Run.
type Handlers struct {
	OnChange func(streaming.ChangePayload)
	OnStatus func(connected bool)
}

// Client is a reconnecting change-feed subscriber.
type Client struct {
	cfg Config
	log *slog.Logger

	// sleep waits between reconnect attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client with defaults filled in.
func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run subscribes to subs and delivers changes until ctx is cancelled. A
// dropped connection is re-dialed and every subscription is sent again.
// OnStatus fires on every transition; cancellation is not reported.
// Run returns nil on cancellation.
func (c *Client) Run(ctx context.Context, subs []streaming.SubscribePayload, h Handlers) error {
	if len(subs) == 0 {
		return errors.New("no subscriptions")
	}
	status := newStatusReporter(h.OnStatus)
	backoff := c.cfg.InitialBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		conn, err := dial(c.cfg.URL, c.cfg.Token, c.cfg.APIKey, c.log)
		if err == nil {
			var subscribed bool
			subscribed, err = c.serve(ctx, conn, subs, h.OnChange, status)
			if subscribed {
				backoff = c.cfg.InitialBackoff
				attempt = 1
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		status.report(false)
		c.log.Warn("Realtime connection lost, reconnecting", "attempt", attempt, "backoff", backoff, "error", err)

		if err := c.sleep(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// serve runs one connection until it fails or ctx is cancelled. It reports
// whether every subscription was acknowledged.
func (c *Client) serve(ctx context.Context, conn *connection, subs []streaming.SubscribePayload, onChange func(streaming.ChangePayload), status *statusReporter) (bool, error) {
	defer conn.close()

	msgCh := make(chan []byte)
	errCh := make(chan error, 2)
	go conn.readLoop(msgCh, errCh)
	go conn.writeLoop(errCh)

	pending := make(map[string]string, len(subs))
	for _, sub := range subs {
		ref := uuid.NewString()
		data, err := marshalEnvelope(streaming.TypeSubscribe, ref, sub)
		if err != nil {
			return false, err
		}
		if !conn.send(data) {
			return false, fmt.Errorf("failed to queue subscribe for %s", sub.Table)
		}
		pending[ref] = sub.Table
	}

	ackTimer := time.NewTimer(c.cfg.AckTimeout)
	defer ackTimer.Stop()
	subscribed := false

	for {
		select {
		case <-ctx.Done():
			return subscribed, ctx.Err()
		case err := <-errCh:
			return subscribed, err
		case <-ackTimer.C:
			if !subscribed {
				return false, fmt.Errorf("timeout waiting for %d subscribe acks", len(pending))
			}
		case raw := <-msgCh:
			var env streaming.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				c.log.Debug("Undecodable realtime frame", "raw", string(raw), "error", err)
				continue
			}
			switch env.Type {
			case streaming.TypeAck:
				if _, ok := pending[env.Ref]; ok {
					delete(pending, env.Ref)
					if len(pending) == 0 && !subscribed {
						subscribed = true
						status.report(true)
						c.log.Info("Realtime subscriptions active", "tables", len(subs))
					}
				}
			case streaming.TypeChange:
				var change streaming.ChangePayload
				if err := json.Unmarshal(env.Payload, &change); err != nil {
					c.log.Warn("Undecodable change payload", "error", err)
					continue
				}
				if onChange != nil {
					onChange(change)
				}
			case streaming.TypeError:
				var ep streaming.ErrorPayload
				if err := json.Unmarshal(env.Payload, &ep); err != nil {
					c.log.Debug("Undecodable error payload", "ref", env.Ref, "error", err)
				}
				if table, ok := pending[env.Ref]; ok {
					return subscribed, fmt.Errorf("subscribe %s rejected: %s", table, ep.Message)
				}
				c.log.Warn("Realtime server error", "ref", env.Ref, "message", ep.Message)
			default:
				c.log.Debug("Ignoring realtime message", "type", env.Type)
			}
		}
	}
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType, ref string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(streaming.Envelope{Type: msgType, Ref: ref, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// statusReporter forwards connectivity only when it changes.
type statusReporter struct {
	fn    func(bool)
	known bool
	last  bool
}

func newStatusReporter(fn func(bool)) *statusReporter {
	return &statusReporter{fn: fn}
}

func (s *statusReporter) report(connected bool) {
	if s.fn == nil || (s.known && s.last == connected) {
		return
	}
	s.known = true
	s.last = connected
	s.fn(connected)
}
