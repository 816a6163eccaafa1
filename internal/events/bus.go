package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dialcore/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Handler consumes one event. A non-nil error triggers the retry policy.
type Handler func(ctx context.Context, ev Event) error

// Filter narrows a subscription. Empty Types means all types; empty Rooms
// means all rooms.
type Filter struct {
	Types []string
	Rooms []string
}

// Subscription is a cancellable registration on the bus.
type Subscription struct {
	id      string
	types   map[string]struct{}
	rooms   map[string]struct{}
	handler Handler

	mu        sync.Mutex
	cancelled bool
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Subscription) matches(room string, ev Event) bool {
	if s.isCancelled() {
		return false
	}
	if len(s.rooms) > 0 {
		if _, ok := s.rooms[room]; !ok {
			return false
		}
	}
	if len(s.types) > 0 {
		if _, ok := s.types[ev.Type]; !ok {
			return false
		}
	}
	return true
}

// Delivery is the bookkeeping record for one (event, subscriber, room)
// delivery attempt chain. Failed deliveries are retained in the dead-letter
// view; they are never silently dropped.
type Delivery struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Room           string         `json:"room"`
	SubscriptionID string         `json:"subscription_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Config controls bus behavior. Zero values get safe defaults.
type Config struct {
	Log         Log
	Logger      *slog.Logger
	Clock       func() time.Time
	MaxAttempts int
	BaseBackoff time.Duration
}

var ErrBusClosed = errors.New("events: bus closed")

// Bus is an in-process publish/subscribe dispatcher.
//
// Each room is an independent ordered stream served by its own goroutine:
// delivery order within a room matches publish order, rooms never block each
// other, and critical-priority events jump ahead of lower priorities. Every
// accepted event is appended to the durable log before any delivery attempt.
type Bus struct {
	log         Log
	logger      *slog.Logger
	clock       func() time.Time
	maxAttempts int
	baseBackoff time.Duration

	mu     sync.Mutex
	subs   []*Subscription
	rooms  map[string]*roomWorker
	dead   []Delivery
	closed bool
	wg     sync.WaitGroup
}

func NewBus(cfg Config) *Bus {
	if cfg.Log == nil {
		cfg.Log = NewMemoryLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	return &Bus{
		log:         cfg.Log,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		rooms:       make(map[string]*roomWorker),
	}
}

// Publish validates, persists and enqueues an event for asynchronous
// delivery. It returns once the event is durably logged and queued; the
// caller never waits on subscriber processing.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock().UTC()
	}
	ev.Rooms = ev.computeRooms()

	// Durable append before delivery; a crash mid-delivery is recoverable by Replay.
	if err := b.log.Append(ctx, ev); err != nil {
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Category)).Inc()

	return b.dispatch(ev)
}

// Replay re-enqueues previously logged events for delivery. Intended for
// crash recovery; events are not re-appended to the log.
func (b *Bus) Replay(ctx context.Context, since time.Time) (int, error) {
	evs, err := b.log.List(ctx, since, 0)
	if err != nil {
		return 0, err
	}
	for _, ev := range evs {
		if err := b.dispatch(ev); err != nil {
			return 0, err
		}
	}
	return len(evs), nil
}

func (b *Bus) dispatch(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	workers := make([]*roomWorker, 0, len(ev.Rooms))
	for _, room := range ev.Rooms {
		workers = append(workers, b.roomLocked(room))
	}
	b.mu.Unlock()

	for _, w := range workers {
		w.enqueue(ev)
	}
	return nil
}

// Subscribe registers interest by event type set and/or rooms.
func (b *Bus) Subscribe(f Filter, h Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		handler: h,
	}
	if len(f.Types) > 0 {
		sub.types = make(map[string]struct{}, len(f.Types))
		for _, t := range f.Types {
			sub.types[t] = struct{}{}
		}
	}
	if len(f.Rooms) > 0 {
		sub.rooms = make(map[string]struct{}, len(f.Rooms))
		for _, r := range f.Rooms {
			sub.rooms[r] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// DeadLetters returns the operator-visible view of exhausted deliveries.
func (b *Bus) DeadLetters() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Delivery, len(b.dead))
	copy(out, b.dead)
	return out
}

// Close stops all room workers after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	workers := make([]*roomWorker, 0, len(b.rooms))
	for _, w := range b.rooms {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
	b.wg.Wait()
}

// roomLocked returns the worker for a room, starting it on first use.
// Caller must hold b.mu.
func (b *Bus) roomLocked(name string) *roomWorker {
	if w, ok := b.rooms[name]; ok {
		return w
	}
	w := newRoomWorker(name, b)
	b.rooms[name] = w
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		w.run()
	}()
	return w
}

func (b *Bus) matchingSubs(room string, ev Event) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Subscription
	for _, s := range b.subs {
		if s.matches(room, ev) {
			out = append(out, s)
		}
	}
	return out
}

// deliver pushes one event to every matching subscriber of a room, in
// subscription order, applying the retry policy per subscriber. Retrying one
// subscriber delays the room, which is what per-room ordering requires; the
// attempt ceiling bounds the delay.
func (b *Bus) deliver(room string, ev Event) {
	for _, sub := range b.matchingSubs(room, ev) {
		b.deliverTo(room, ev, sub)
	}
}

func (b *Bus) deliverTo(room string, ev Event, sub *Subscription) {
	attempts := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.baseBackoff
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // attempts are capped, not elapsed time

	op := func() error {
		if sub.isCancelled() {
			return nil
		}
		attempts++
		start := time.Now()
		err := sub.handler(context.Background(), ev)
		metrics.DeliveryDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil && attempts < b.maxAttempts {
			metrics.DeliveriesTotal.WithLabelValues("retried").Inc()
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(b.maxAttempts-1)))
	if err == nil {
		metrics.DeliveriesTotal.WithLabelValues("completed").Inc()
		return
	}

	metrics.DeliveriesTotal.WithLabelValues("dead_lettered").Inc()
	d := Delivery{
		EventID:        ev.ID,
		EventType:      ev.Type,
		Room:           room,
		SubscriptionID: sub.id,
		Status:         DeliveryFailed,
		Attempts:       attempts,
		LastError:      err.Error(),
		UpdatedAt:      b.clock().UTC(),
	}
	b.mu.Lock()
	b.dead = append(b.dead, d)
	b.mu.Unlock()
	b.logger.Error("event delivery dead-lettered",
		"event_id", ev.ID, "type", ev.Type, "room", room,
		"subscription_id", sub.id, "attempts", attempts, "err", err)
}

// roomWorker serves one room: a two-lane FIFO where the critical lane always
// drains first.
type roomWorker struct {
	name string
	bus  *Bus

	mu       sync.Mutex
	cond     *sync.Cond
	critical []Event
	normal   []Event
	closed   bool
}

func newRoomWorker(name string, b *Bus) *roomWorker {
	w := &roomWorker{name: name, bus: b}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *roomWorker) enqueue(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if ev.Priority == PriorityCritical {
		w.critical = append(w.critical, ev)
	} else {
		w.normal = append(w.normal, ev)
	}
	w.cond.Signal()
}

func (w *roomWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *roomWorker) run() {
	for {
		w.mu.Lock()
		for len(w.critical) == 0 && len(w.normal) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.critical) == 0 && len(w.normal) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		var ev Event
		if len(w.critical) > 0 {
			ev = w.critical[0]
			w.critical = w.critical[1:]
		} else {
			ev = w.normal[0]
			w.normal = w.normal[1:]
		}
		w.mu.Unlock()

		w.bus.deliver(w.name, ev)
	}
}
