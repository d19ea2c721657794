// Package seen tracks the read state of each conversation and reconciles it
// with the backend's mark-seen endpoint.
package seen

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Marker calls the backend mark-seen endpoint.
type Marker interface {
	MarkSeen(ctx context.Context, conversationID string) error
}

// Applier applies a confirmed mark-seen to local state.
type Applier interface {
	ApplySeen(conversationID string)
}

// State of one conversation: Unseen -> SeenPending -> Seen.
type State int

const (
	Unseen State = iota
	SeenPending
	Seen
)

func (s State) String() string {
	switch s {
	case SeenPending:
		return "seen-pending"
	case Seen:
		return "seen"
	default:
		return "unseen"
	}
}

// Options configure a Tracker.
type Options struct {
	// Retries is the number of extra attempts after a failed call.
	Retries    uint64
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Tracker issues mark-seen calls. Triggers that arrive while a call is in
// flight coalesce into a single follow-up call.
type Tracker struct {
	marker Marker
	target Applier
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]State
	again  map[string]bool
	dirty  map[string]bool
}

// New creates a Tracker. target may be nil and installed with SetTarget.
func New(marker Marker, target Applier, opts Options) *Tracker {
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		marker: marker,
		target: target,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "seen").Logger(),
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]State),
		again:  make(map[string]bool),
		dirty:  make(map[string]bool),
	}
}

// SetTarget installs the applier.
func (t *Tracker) SetTarget(a Applier) {
	t.mu.Lock()
	t.target = a
	t.mu.Unlock()
}

// State returns the read state of a conversation.
func (t *Tracker) State(conversationID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[conversationID]
}

// Unseen records a counterpart message arrival.
func (t *Tracker) Unseen(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.states[conversationID] {
	case SeenPending:
		t.dirty[conversationID] = true
	case Seen:
		t.states[conversationID] = Unseen
	}
}

// Trigger marks the conversation seen unless it already is.
func (t *Tracker) Trigger(conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	switch t.states[conversationID] {
	case Seen:
		t.mu.Unlock()
		return
	case SeenPending:
		t.again[conversationID] = true
		t.mu.Unlock()
		return
	}
	t.states[conversationID] = SeenPending
	t.dirty[conversationID] = false
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(conversationID)
}

func (t *Tracker) run(conv string) {
	defer t.wg.Done()
	for {
		err := t.call(conv)

		t.mu.Lock()
		target := t.target
		if err != nil {
			t.states[conv] = Unseen
			delete(t.again, conv)
			delete(t.dirty, conv)
			t.mu.Unlock()
			if t.ctx.Err() == nil {
				t.log.Warn().Err(err).Str("conversation", conv).Msg("mark-seen failed")
			}
			return
		}
		if t.again[conv] {
			delete(t.again, conv)
			t.dirty[conv] = false
			t.mu.Unlock()
			if target != nil {
				target.ApplySeen(conv)
			}
			continue
		}
		dirty := t.dirty[conv]
		delete(t.dirty, conv)
		if dirty {
			t.states[conv] = Unseen
		} else {
			t.states[conv] = Seen
		}
		t.mu.Unlock()

		if target != nil && !dirty {
			target.ApplySeen(conv)
		}
		return
	}
}

func (t *Tracker) call(conv string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.MinBackoff
	b.MaxInterval = t.opts.MaxBackoff
	op := func() error {
		return t.marker.MarkSeen(t.ctx, conv)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, t.opts.Retries), t.ctx))
}

// Wait blocks until in-flight calls finish.
func (t *Tracker) Wait() { t.wg.Wait() }

// Close cancels in-flight calls and waits for them.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}
