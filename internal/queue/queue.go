// Package queue implements the processing queue and single-slot scheduler:
// one QueueEntry per episode awaiting work, a global slot that
// serializes the heavy per-episode pipeline, and a retry/backoff policy for
// entries that failed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"podscrub/internal/config"
	"podscrub/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "podscrub"

// ErrSlotHeld reports that another episode already holds the processing
// slot. Acquire itself signals that case by returning false with a nil
// error; the orchestrator returns ErrSlotHeld to its caller.
var ErrSlotHeld = errors.New("processing slot is held")

// EpisodeLookup is the subset of the state store the queue needs to decide
// whether a failed entry is eligible for reset. state.Store satisfies it.
type EpisodeLookup interface {
	GetEpisode(ctx context.Context, slug, id string) (domain.Episode, bool, error)
}

// Queue is the Redis-backed processing queue and slot.
type Queue struct {
	client *redis.Client
}

// New opens a queue connection using the given configuration.
func New(ctx context.Context, cfg *config.Config) (*Queue, error) {
	addr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{client: client}, nil
}

// NewWithClient builds a Queue around an existing client, for tests.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Close closes the underlying Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

func entryMember(slug, id string) string { return slug + "\x00" + id }

func splitEntryMember(member string) (slug, id string) {
	for i := 0; i < len(member); i++ {
		if member[i] == 0 {
			return member[:i], member[i+1:]
		}
	}
	return member, ""
}

func entryKey(slug, id string) string {
	return fmt.Sprintf("%s:queue:entry:%s:%s", keyPrefix, slug, id)
}

func queuedSetKey() string { return keyPrefix + ":queue:queued" }
func failedSetKey() string { return keyPrefix + ":queue:failed" }
func slotKey() string      { return keyPrefix + ":queue:slot" }

// slotLeaseTTL bounds how long a crashed worker can wedge the processing
// slot. The orchestrator releases the slot well before this in the normal
// path; this is only a backstop.
const slotLeaseTTL = 4 * time.Hour

type entryRecord struct {
	PodcastSlug string    `json:"podcast_slug"`
	EpisodeID   string    `json:"episode_id"`
	OriginalURL string    `json:"original_url"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toDomain(r entryRecord) domain.QueueEntry {
	return domain.QueueEntry{
		PodcastSlug: r.PodcastSlug,
		EpisodeID:   r.EpisodeID,
		OriginalURL: r.OriginalURL,
		Title:       r.Title,
		Status:      domain.QueueStatus(r.Status),
		Attempts:    r.Attempts,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (q *Queue) getEntry(ctx context.Context, slug, id string) (domain.QueueEntry, bool, error) {
	raw, err := q.client.Get(ctx, entryKey(slug, id)).Result()
	if err == redis.Nil {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	var r entryRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("unmarshal queue entry %s/%s: %w", slug, id, err)
	}
	return toDomain(r), true, nil
}

func (q *Queue) putEntry(ctx context.Context, e domain.QueueEntry) error {
	blob, err := json.Marshal(entryRecord{
		PodcastSlug: e.PodcastSlug,
		EpisodeID:   e.EpisodeID,
		OriginalURL: e.OriginalURL,
		Title:       e.Title,
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		UpdatedAt:   e.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal queue entry %s/%s: %w", e.PodcastSlug, e.EpisodeID, err)
	}
	return q.client.Set(ctx, entryKey(e.PodcastSlug, e.EpisodeID), blob, 0).Err()
}

// Enqueue adds (or re-adds) an episode to the queued set with attempts reset
// to zero. Re-enqueuing an episode already queued or failed is idempotent.
func (q *Queue) Enqueue(ctx context.Context, slug, id, originalURL, title string) error {
	now := time.Now()
	entry := domain.QueueEntry{
		PodcastSlug: slug,
		EpisodeID:   id,
		OriginalURL: originalURL,
		Title:       title,
		Status:      domain.QueueQueued,
		Attempts:    0,
		UpdatedAt:   now,
	}
	if err := q.putEntry(ctx, entry); err != nil {
		return fmt.Errorf("store queue entry: %w", err)
	}
	member := entryMember(slug, id)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, queuedSetKey(), redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRem(ctx, failedSetKey(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("episode enqueued", "podcast", slug, "episode", id)
	return nil
}

// GetNext pops the oldest queued entry off the queue and returns it. The
// entry is removed from the queued set; callers must call MarkDone or
// MarkFailed once processing finishes.
func (q *Queue) GetNext(ctx context.Context) (domain.QueueEntry, bool, error) {
	members, err := q.client.ZRangeWithScores(ctx, queuedSetKey(), 0, 0).Result()
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("scan queued set: %w", err)
	}
	if len(members) == 0 {
		return domain.QueueEntry{}, false, nil
	}
	member := members[0].Member.(string)
	removed, err := q.client.ZRem(ctx, queuedSetKey(), member).Result()
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("pop queued set: %w", err)
	}
	if removed == 0 {
		// Lost a race against another scheduler goroutine; nothing to do.
		return domain.QueueEntry{}, false, nil
	}
	slug, id := splitEntryMember(member)
	entry, ok, err := q.getEntry(ctx, slug, id)
	if err != nil || !ok {
		return domain.QueueEntry{}, false, err
	}
	return entry, true, nil
}

// QueueLength reports the number of entries currently queued.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queuedSetKey()).Result()
}

// ListQueued returns queued entries in FIFO order, for status reporting.
func (q *Queue) ListQueued(ctx context.Context) ([]domain.QueueEntry, error) {
	members, err := q.client.ZRange(ctx, queuedSetKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	entries := make([]domain.QueueEntry, 0, len(members))
	for _, m := range members {
		slug, id := splitEntryMember(m)
		e, ok, err := q.getEntry(ctx, slug, id)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// MarkDone marks an entry as done and drops it from both sets.
func (q *Queue) MarkDone(ctx context.Context, slug, id string) error {
	entry, ok, err := q.getEntry(ctx, slug, id)
	if err != nil {
		return err
	}
	if !ok {
		entry = domain.QueueEntry{PodcastSlug: slug, EpisodeID: id}
	}
	entry.Status = domain.QueueDone
	entry.UpdatedAt = time.Now()
	member := entryMember(slug, id)
	pipe := q.client.TxPipeline()
	if err := q.putEntry(ctx, entry); err != nil {
		return err
	}
	pipe.ZRem(ctx, queuedSetKey(), member)
	pipe.ZRem(ctx, failedSetKey(), member)
	_, err = pipe.Exec(ctx)
	return err
}

// MarkFailed records a failed attempt: increments attempts, stamps
// updated_at, and moves the entry into the failed set for later reset
// consideration.
func (q *Queue) MarkFailed(ctx context.Context, slug, id string) error {
	entry, ok, err := q.getEntry(ctx, slug, id)
	if err != nil {
		return err
	}
	if !ok {
		entry = domain.QueueEntry{PodcastSlug: slug, EpisodeID: id}
	}
	entry.Attempts++
	entry.Status = domain.QueueFailed
	entry.UpdatedAt = time.Now()
	if err := q.putEntry(ctx, entry); err != nil {
		return err
	}
	member := entryMember(slug, id)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, queuedSetKey(), member)
	pipe.ZAdd(ctx, failedSetKey(), redis.Z{Score: float64(entry.UpdatedAt.UnixNano()), Member: member})
	_, err = pipe.Exec(ctx)
	return err
}

// ResetFailedQueueItems re-queues failed entries eligible under the retry
// policy: wait(attempts) has elapsed since updated_at, the
// entry is not older than maxAgeHours, and the Episode is neither
// permanently_failed nor at retry_count >= maxRetries.
func (q *Queue) ResetFailedQueueItems(ctx context.Context, episodes EpisodeLookup, maxRetries, maxAgeHours int) (int, error) {
	members, err := q.client.ZRange(ctx, failedSetKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan failed set: %w", err)
	}
	now := time.Now()
	reset := 0
	for _, member := range members {
		slug, id := splitEntryMember(member)
		entry, ok, err := q.getEntry(ctx, slug, id)
		if err != nil {
			return reset, err
		}
		if !ok {
			q.client.ZRem(ctx, failedSetKey(), member)
			continue
		}

		age := now.Sub(entry.UpdatedAt)
		waitMinutes := config.RetryWait(entry.Attempts)
		if age < time.Duration(waitMinutes)*time.Minute {
			continue
		}
		if age > time.Duration(maxAgeHours)*time.Hour {
			continue
		}

		episode, found, err := episodes.GetEpisode(ctx, slug, id)
		if err != nil {
			return reset, err
		}
		if found {
			if episode.Status == domain.StatusPermanentlyFailed || episode.RetryCount >= maxRetries {
				continue
			}
		}

		entry.Status = domain.QueueQueued
		entry.UpdatedAt = now
		if err := q.putEntry(ctx, entry); err != nil {
			return reset, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, failedSetKey(), member)
		pipe.ZAdd(ctx, queuedSetKey(), redis.Z{Score: float64(now.UnixNano()), Member: member})
		if _, err := pipe.Exec(ctx); err != nil {
			return reset, err
		}
		reset++
		slog.Info("reset failed queue entry", "podcast", slug, "episode", id, "attempts", entry.Attempts)
	}
	return reset, nil
}

// Acquire claims the single global processing slot for (slug, id). It
// returns false without error if the slot is already held.
func (q *Queue) Acquire(ctx context.Context, slug, id string) (bool, error) {
	ok, err := q.client.SetNX(ctx, slotKey(), entryMember(slug, id), slotLeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return ok, nil
}

// release-if-owner: delete the slot key only if it still holds our member.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release frees the processing slot if it is currently held by (slug, id).
// Releasing a slot not held by the caller is a no-op.
func (q *Queue) Release(ctx context.Context, slug, id string) error {
	_, err := q.client.Eval(ctx, releaseScript, []string{slotKey()}, entryMember(slug, id)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// IsBusy reports whether the processing slot is currently held.
func (q *Queue) IsBusy(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, slotKey()).Result()
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return n > 0, nil
}

// GetCurrent returns the (slug, id) currently holding the processing slot,
// if any.
func (q *Queue) GetCurrent(ctx context.Context) (slug, id string, ok bool, err error) {
	v, err := q.client.Get(ctx, slotKey()).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get slot holder: %w", err)
	}
	slug, id = splitEntryMember(v)
	return slug, id, true, nil
}

// IsProcessing reports whether the given episode currently holds the
// processing slot.
func (q *Queue) IsProcessing(ctx context.Context, slug, id string) (bool, error) {
	curSlug, curID, ok, err := q.GetCurrent(ctx)
	if err != nil || !ok {
		return false, err
	}
	return curSlug == slug && curID == id, nil
}
