// Package status is the process-wide status bus: an in-memory snapshot of
// the current job, queue contents, and recent feed refreshes, updated on
// every stage change and broadcast to subscribers with fail-soft
// delivery.
package status

import (
	"log/slog"
	"sync"
	"time"

	"podscrub/internal/domain"
)

// CurrentJob describes the episode occupying the single processing slot.
type CurrentJob struct {
	PodcastSlug string    `json:"podcast_slug"`
	EpisodeID   string    `json:"episode_id"`
	Title       string    `json:"title"`
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
}

// FeedRefresh records the outcome of one feed refresh attempt.
type FeedRefresh struct {
	PodcastSlug string    `json:"podcast_slug"`
	RefreshedAt time.Time `json:"refreshed_at"`
	NewEpisodes int       `json:"new_episodes"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is the full status bus state at a point in time.
type Snapshot struct {
	CurrentJob    *CurrentJob          `json:"current_job,omitempty"`
	QueueLength   int                  `json:"queue_length"`
	Queued        []domain.QueueEntry  `json:"queued"`
	FeedRefreshes []FeedRefresh        `json:"feed_refreshes"`
	LastUpdated   time.Time            `json:"last_updated"`
}

// maxFeedRefreshHistory bounds how many recent refreshes the snapshot keeps.
const maxFeedRefreshHistory = 20

// Bus holds the current snapshot and broadcasts updates to subscribers.
// All methods are safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers map[int]chan Snapshot
	nextID      int
}

// New creates an empty status bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Snapshot),
		snapshot:    Snapshot{LastUpdated: time.Now()},
	}
}

// Snapshot returns a copy of the current state.
func (b *Bus) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// SetCurrentJob records which episode now holds the processing slot, or
// clears it when job is nil.
func (b *Bus) SetCurrentJob(job *CurrentJob) {
	b.mu.Lock()
	b.snapshot.CurrentJob = job
	b.snapshot.LastUpdated = time.Now()
	snap := b.snapshot
	b.mu.Unlock()
	b.broadcast(snap)
}

// SetStage updates the stage label of the current job in place, if one is
// set. A no-op if no job currently holds the slot.
func (b *Bus) SetStage(stage string) {
	b.mu.Lock()
	if b.snapshot.CurrentJob == nil {
		b.mu.Unlock()
		return
	}
	job := *b.snapshot.CurrentJob
	job.Stage = stage
	b.snapshot.CurrentJob = &job
	b.snapshot.LastUpdated = time.Now()
	snap := b.snapshot
	b.mu.Unlock()
	b.broadcast(snap)
}

// SetQueued replaces the queued-entries view, e.g. after enqueue/dequeue.
func (b *Bus) SetQueued(entries []domain.QueueEntry) {
	b.mu.Lock()
	b.snapshot.Queued = entries
	b.snapshot.QueueLength = len(entries)
	b.snapshot.LastUpdated = time.Now()
	snap := b.snapshot
	b.mu.Unlock()
	b.broadcast(snap)
}

// RecordFeedRefresh appends a feed refresh outcome, keeping only the most
// recent maxFeedRefreshHistory entries.
func (b *Bus) RecordFeedRefresh(fr FeedRefresh) {
	b.mu.Lock()
	b.snapshot.FeedRefreshes = append(b.snapshot.FeedRefreshes, fr)
	if len(b.snapshot.FeedRefreshes) > maxFeedRefreshHistory {
		b.snapshot.FeedRefreshes = b.snapshot.FeedRefreshes[len(b.snapshot.FeedRefreshes)-maxFeedRefreshHistory:]
	}
	b.snapshot.LastUpdated = time.Now()
	snap := b.snapshot
	b.mu.Unlock()
	b.broadcast(snap)
}

// Subscribe registers a subscriber and returns a channel of snapshots plus
// a cancel function. The channel is buffered; while a slow subscriber's
// buffer is full, new updates to it are dropped rather than blocking
// producers.
func (b *Bus) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Snapshot, 4)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// broadcast delivers snap to every subscriber. Subscribers are fail-soft:
// a full channel drops the update instead of blocking, and a panicking
// receiver (recovered here, since send-on-closed-channel is the only way a
// subscriber can make this panic) never reaches the producer.
func (b *Bus) broadcast(snap Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		func(id int, ch chan Snapshot) {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("status subscriber dropped", "subscriber", id, "recover", r)
				}
			}()
			select {
			case ch <- snap:
			default:
				slog.Debug("status subscriber backlogged, dropping update", "subscriber", id)
			}
		}(id, ch)
	}
}
