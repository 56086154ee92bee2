package presence

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/stats"
)

const (
	storeOpTimeout = 5 * time.Second

	availableUsersMetric = "AvailableUsers"
)

// Snapshot is one observation of the available-user set.
type Snapshot struct {
	Count   int   `json:"count"`
	UserIds []int `json:"user_ids"`
}

type Subscription struct {
	C chan Snapshot
}

// Tracker maintains each user's available flag and publishes a live
// view of who is currently available. Postgres keeps the durable
// last-seen record, the liveness store decides who is actually here.
type Tracker struct {
	log      *log.Logger
	db       database.StrangerChatRepository
	store    LivenessStore
	stats    stats.StatsProvider
	interval time.Duration

	subsLock sync.Mutex
	subs     map[*Subscription]struct{}

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewTracker(logger *log.Logger, db database.StrangerChatRepository, store LivenessStore, su stats.StatsProvider, interval time.Duration) *Tracker {
	su.RegisterMetric(availableUsersMetric)

	return &Tracker{
		log:      logger,
		db:       db,
		store:    store,
		stats:    su,
		interval: interval,
		subs:     make(map[*Subscription]struct{}),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetAvailable flips the user's availability. Failures are logged and
// swallowed: presence is advisory and must never take a session down.
// The durable record is last-write-wins across the user's devices.
func (t *Tracker) SetAvailable(userId int, available bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if err := t.db.SetAvailability(userId, available); err != nil {
		t.log.Printf("set availability for user %d: %v", userId, err)
	}

	var err error
	if available {
		err = t.store.MarkAvailable(ctx, userId)
	} else {
		err = t.store.MarkUnavailable(ctx, userId)
	}
	if err != nil {
		t.log.Printf("presence store update for user %d: %v", userId, err)
	}

	t.Kick()
}

// Heartbeat extends the user's liveness lease.
func (t *Tracker) Heartbeat(userId int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if err := t.store.Heartbeat(ctx, userId); err != nil {
		t.log.Printf("heartbeat for user %d: %v", userId, err)
	}
}

// Kick requests an immediate recompute outside the regular interval.
func (t *Tracker) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Subscribe returns a live stream of snapshots. The current snapshot
// is delivered on the next recompute; slow subscribers miss
// intermediate updates rather than blocking the tracker.
func (t *Tracker) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Snapshot, 8)}

	t.subsLock.Lock()
	t.subs[sub] = struct{}{}
	t.subsLock.Unlock()

	t.Kick()
	return sub
}

func (t *Tracker) Unsubscribe(sub *Subscription) {
	t.subsLock.Lock()
	defer t.subsLock.Unlock()

	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(sub.C)
	}
}

// Current returns the snapshot as of now.
func (t *Tracker) Current() (Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	return t.store.Snapshot(ctx)
}

func (t *Tracker) Run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var last Snapshot
	var published bool

	for {
		select {
		case <-ticker.C:
		case <-t.kick:
		case <-t.stop:
			close(t.done)
			return
		}

		snap, err := t.Current()
		if err != nil {
			t.log.Println("presence snapshot:", err)
			continue
		}

		if published && snap.Count == last.Count && slices.Equal(snap.UserIds, last.UserIds) {
			continue
		}

		last = snap
		published = true
		t.stats.Set(availableUsersMetric, snap.Count)
		t.broadcast(snap)
	}
}

func (t *Tracker) broadcast(snap Snapshot) {
	t.subsLock.Lock()
	defer t.subsLock.Unlock()

	for sub := range t.subs {
		select {
		case sub.C <- snap:
		default:
			t.log.Println("presence subscriber is slow, dropping snapshot")
		}
	}
}

func (t *Tracker) Shutdown() {
	close(t.stop)
	<-t.done

	t.subsLock.Lock()
	defer t.subsLock.Unlock()
	for sub := range t.subs {
		delete(t.subs, sub)
		close(sub.C)
	}
}
