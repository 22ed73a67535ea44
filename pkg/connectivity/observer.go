// Package connectivity tracks whether the remote platform is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/robinjoseph08/golib/logger"
)

// Pinger probes the remote platform.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Pinger        Pinger
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Observer is the single source of truth for online/offline state.
// Subscribers are only told about actual changes.
type Observer struct {
	opts Options

	mu     sync.RWMutex
	online bool
	subs   map[int]func(bool)
	nextID int

	// notifyMu keeps notifications in the order the changes happened.
	notifyMu sync.Mutex
}

func New(initial bool, opts Options) *Observer {
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Observer{
		opts:   opts,
		online: initial,
		subs:   map[int]func(bool){},
	}
}

func (o *Observer) IsOnline() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// SetOnline records a platform connectivity signal. Repeats of the current
// state are dropped.
func (o *Observer) SetOnline(online bool) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	subs := make([]func(bool), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	logger.New().Info("connectivity changed", logger.Data{"online": online})

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (o *Observer) Subscribe(fn func(online bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
		})
	}
}

// Probe pings the platform once and records the result. Without a Pinger it
// just returns the current state.
func (o *Observer) Probe(ctx context.Context) bool {
	if o.opts.Pinger == nil {
		return o.IsOnline()
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	err := o.opts.Pinger.Ping(ctx)
	if err != nil {
		logger.FromContext(ctx).Debug("connectivity probe failed", logger.Data{"error": err.Error()})
	}
	o.SetOnline(err == nil)
	return err == nil
}

// Run probes on every tick until ctx is done.
func (o *Observer) Run(ctx context.Context) {
	if o.opts.Pinger == nil {
		return
	}
	ticker := time.NewTicker(o.opts.ProbeInterval)
	defer ticker.Stop()

	o.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Probe(ctx)
		}
	}
}
