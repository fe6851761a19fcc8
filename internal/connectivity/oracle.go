// Package connectivity tracks network reachability and republishes every
// transition to subscribers. It is the only package that looks at the
// network path; everything else asks the Oracle.
package connectivity

import (
	"context"
	"sync"
	"time"

	"voxsync/internal/metrics"

	"go.uber.org/zap"
)

// Transport is the link type carrying the default route
type Transport string

const (
	TransportUnknown  Transport = "unknown"
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportWired    Transport = "wired"
)

// State is one observation of the network path
type State struct {
	Connected bool      `json:"connected"`
	Transport Transport `json:"transport"`
	Metered   bool      `json:"metered"`
}

// Disconnected is the state before the first observation
var Disconnected = State{Transport: TransportUnknown}

// Prober reports the current network path. A missing route is a valid
// State with Connected=false, not an error.
type Prober interface {
	Probe(ctx context.Context) State
}

// Reader is the read side of the Oracle used by consumers
type Reader interface {
	Current() State
	Subscribe(fn func(prev, next State)) (cancel func())
}

// Oracle is the single writer of ConnectivityState
type Oracle struct {
	prober   Prober
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu     sync.RWMutex
	state  State
	subs   map[int]*subscriber
	nextID int
}

// Options configures an Oracle
type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// NewOracle creates an oracle. prober may be nil when a platform bridge
// feeds Observe directly.
func NewOracle(prober Prober, opts Options) *Oracle {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Oracle{
		prober:   prober,
		interval: opts.Interval,
		logger:   opts.Logger.With(zap.String("component", "connectivity")),
		metrics:  opts.Metrics,
		state:    Disconnected,
		subs:     make(map[int]*subscriber),
	}
}

// Current returns the last observed state
func (o *Oracle) Current() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Subscribe registers fn for every transition. Calls for one subscriber are
// delivered in order on that subscriber's own goroutine.
func (o *Oracle) Subscribe(fn func(prev, next State)) (cancel func()) {
	sub := newSubscriber(fn)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = sub
	o.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			sub.close()
		})
	}
}

// Observe records a new platform signal. Duplicate observations are dropped.
func (o *Oracle) Observe(next State) {
	if next.Transport == "" {
		next.Transport = TransportUnknown
	}

	o.mu.Lock()
	prev := o.state
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.state = next
	for _, sub := range o.subs {
		sub.push(prev, next)
	}
	o.mu.Unlock()

	o.metrics.SetConnected(next.Connected)
	o.logger.Info("Connectivity changed",
		zap.Bool("connected", next.Connected),
		zap.String("transport", string(next.Transport)),
		zap.Bool("metered", next.Metered),
	)
}

// Run polls the prober until ctx is cancelled
func (o *Oracle) Run(ctx context.Context) {
	if o.prober == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Observe(o.prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Connectivity oracle stopped")
			return
		case <-ticker.C:
			o.Observe(o.prober.Probe(ctx))
		}
	}
}

// Close cancels every subscription
func (o *Oracle) Close() {
	o.mu.Lock()
	subs := o.subs
	o.subs = make(map[int]*subscriber)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

type transition struct {
	prev, next State
}

// subscriber is an unbounded mailbox so Observe never waits on a slow consumer
type subscriber struct {
	fn      func(prev, next State)
	mu      sync.Mutex
	pending []transition
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

func newSubscriber(fn func(prev, next State)) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(prev, next State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, transition{prev: prev, next: next})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, t := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(t.prev, t.next)
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
