// Package refresh runs the background feed-refresh loop: for each
// subscribed podcast it conditional-fetches the feed through the URL guard,
// upserts newly published episodes after de-duplication, and enqueues them
// for processing. It never blocks on the single processing slot; it only
// enqueues. RSS parsing lives behind the Source interface (HTTPSource is
// the default implementation); the refresh pass consumes already-parsed
// episode records.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"podscrub/internal/domain"
	"podscrub/internal/queue"
	"podscrub/internal/state"
	"podscrub/internal/status"
	"podscrub/internal/urlguard"
)

// Item is one parsed feed entry: the narrow record shape the core consumes
// from a Source.
type Item struct {
	GUID         string
	Title        string
	EnclosureURL string
	PublishedAt  time.Time
}

// FetchResult is the outcome of one conditional feed fetch. NotModified
// reports a 304; Items is empty in that case.
type FetchResult struct {
	Items        []Item
	ETag         string
	LastModified string
	NotModified  bool
}

// Source fetches and parses a feed, honoring conditional-request
// validators. The URL it receives has already passed SSRF validation.
type Source interface {
	Fetch(ctx context.Context, url, etag, lastModified string) (FetchResult, error)
}

// Refresher drives one refresh pass over every subscribed podcast.
type Refresher struct {
	store    *state.Store
	queue    *queue.Queue
	bus      *status.Bus
	source   Source
	resolver urlguard.Resolver
}

// New constructs a Refresher. resolver may be nil to use the default DNS
// resolver for SSRF checks.
func New(store *state.Store, q *queue.Queue, bus *status.Bus, source Source, resolver urlguard.Resolver) *Refresher {
	return &Refresher{store: store, queue: q, bus: bus, source: source, resolver: resolver}
}

// RefreshAll fetches every podcast's feed and enqueues new episodes.
// Per-feed failures are recorded on the status bus and logged; they never
// abort the pass.
func (r *Refresher) RefreshAll(ctx context.Context) {
	podcasts, err := r.store.ListPodcasts(ctx)
	if err != nil {
		slog.Error("refresh: failed to list podcasts", "error", err)
		return
	}

	for _, p := range podcasts {
		added, err := r.RefreshPodcast(ctx, p)
		fr := status.FeedRefresh{PodcastSlug: p.Slug, RefreshedAt: time.Now(), NewEpisodes: added}
		if err != nil {
			fr.Error = err.Error()
			slog.Error("refresh: feed refresh failed", "slug", p.Slug, "error", err)
		}
		r.bus.RecordFeedRefresh(fr)
	}
}

// RefreshPodcast conditional-fetches one podcast's feed and upserts its
// episodes, returning how many new episodes were enqueued.
func (r *Refresher) RefreshPodcast(ctx context.Context, p domain.Podcast) (int, error) {
	safeURL, err := urlguard.Validate(ctx, p.SourceURL, r.resolver)
	if err != nil {
		return 0, fmt.Errorf("feed URL rejected: %w", err)
	}

	result, err := r.source.Fetch(ctx, safeURL, p.ETag, p.LastModified)
	if err != nil {
		return 0, fmt.Errorf("fetch feed: %w", err)
	}

	p.LastCheckedAt = time.Now()
	if result.NotModified {
		if err := r.store.PutPodcast(ctx, p); err != nil {
			return 0, fmt.Errorf("record feed check: %w", err)
		}
		return 0, nil
	}
	p.ETag = result.ETag
	p.LastModified = result.LastModified

	added := 0
	seen := map[string]bool{}
	for _, item := range result.Items {
		if item.EnclosureURL == "" {
			continue
		}
		dedupeKey := normalizeTitle(item.Title) + "\x00" + item.PublishedAt.Format("2006-01-02")
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true

		id := EpisodeID(item.GUID, item.EnclosureURL)
		_, exists, err := r.store.GetEpisode(ctx, p.Slug, id)
		if err != nil {
			return added, fmt.Errorf("check episode %s: %w", id, err)
		}
		if exists {
			continue
		}

		episode := domain.Episode{
			PodcastSlug: p.Slug,
			EpisodeID:   id,
			OriginalURL: item.EnclosureURL,
			Title:       item.Title,
			Status:      domain.StatusPending,
			CreatedAt:   time.Now(),
		}
		if err := r.store.PutEpisode(ctx, episode); err != nil {
			return added, fmt.Errorf("store episode %s: %w", id, err)
		}
		if err := r.queue.Enqueue(ctx, p.Slug, id, item.EnclosureURL, item.Title); err != nil {
			return added, fmt.Errorf("enqueue episode %s: %w", id, err)
		}
		added++
	}

	if err := r.store.PutPodcast(ctx, p); err != nil {
		return added, fmt.Errorf("record feed state: %w", err)
	}
	if added > 0 {
		slog.Info("feed refresh enqueued new episodes", "slug", p.Slug, "count", added)
	}
	return added, nil
}

// EpisodeID derives the stable episode identifier: a hash of the feed GUID
// when present, else of the enclosure URL.
func EpisodeID(guid, enclosureURL string) string {
	src := guid
	if src == "" {
		src = enclosureURL
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:16])
}

// normalizeTitle lowercases and collapses whitespace so near-identical
// duplicate enclosures in one feed collapse to one episode.
func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
