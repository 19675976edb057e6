package refresh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscrub/internal/domain"
	"podscrub/internal/queue"
	"podscrub/internal/state"
	"podscrub/internal/status"
)

type fakeSource struct {
	result    FetchResult
	err       error
	calls     int
	gotETag   string
	gotLastMo string
}

func (f *fakeSource) Fetch(ctx context.Context, url, etag, lastModified string) (FetchResult, error) {
	f.calls++
	f.gotETag = etag
	f.gotLastMo = lastModified
	return f.result, f.err
}

type publicResolver struct{}

func (publicResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

func newRefresher(t *testing.T, source Source) (*Refresher, *state.Store, *queue.Queue, *status.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := state.NewWithClient(client)
	q := queue.NewWithClient(client)
	bus := status.New()
	return New(st, q, bus, source, publicResolver{}), st, q, bus
}

func TestRefreshPodcast_EnqueuesNewEpisodes(t *testing.T) {
	published := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{result: FetchResult{
		Items: []Item{
			{GUID: "guid-1", Title: "Episode One", EnclosureURL: "https://cdn.example.com/1.mp3", PublishedAt: published},
			{GUID: "guid-2", Title: "Episode Two", EnclosureURL: "https://cdn.example.com/2.mp3", PublishedAt: published},
		},
		ETag:         `"v2"`,
		LastModified: "Wed, 01 Jul 2026 12:00:00 GMT",
	}}
	r, st, q, _ := newRefresher(t, source)
	ctx := context.Background()

	p := domain.Podcast{Slug: "show", SourceURL: "https://example.com/feed.xml"}
	require.NoError(t, st.PutPodcast(ctx, p))

	added, err := r.RefreshPodcast(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	length, err := q.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	episodes, err := st.ListEpisodes(ctx, "show")
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, domain.StatusPending, episodes[0].Status)

	// Conditional-fetch validators persist for the next pass.
	got, ok, err := st.GetPodcast(ctx, "show")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v2"`, got.ETag)
	assert.False(t, got.LastCheckedAt.IsZero())
}

func TestRefreshPodcast_SecondPassIsIdempotent(t *testing.T) {
	source := &fakeSource{result: FetchResult{
		Items: []Item{{GUID: "guid-1", Title: "Episode One", EnclosureURL: "https://cdn.example.com/1.mp3"}},
	}}
	r, st, q, _ := newRefresher(t, source)
	ctx := context.Background()

	p := domain.Podcast{Slug: "show", SourceURL: "https://example.com/feed.xml"}
	require.NoError(t, st.PutPodcast(ctx, p))

	added, err := r.RefreshPodcast(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = r.RefreshPodcast(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "already-known episodes must not be re-created")

	length, err := q.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRefreshPodcast_DeduplicatesByTitleAndDate(t *testing.T) {
	published := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{result: FetchResult{
		Items: []Item{
			{GUID: "guid-a", Title: "Episode  One", EnclosureURL: "https://cdn.example.com/a.mp3", PublishedAt: published},
			{GUID: "guid-b", Title: "episode one", EnclosureURL: "https://cdn.example.com/b.mp3", PublishedAt: published},
		},
	}}
	r, st, _, _ := newRefresher(t, source)
	ctx := context.Background()

	p := domain.Podcast{Slug: "show", SourceURL: "https://example.com/feed.xml"}
	require.NoError(t, st.PutPodcast(ctx, p))

	added, err := r.RefreshPodcast(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestRefreshPodcast_NotModifiedOnlyStampsCheckTime(t *testing.T) {
	source := &fakeSource{result: FetchResult{NotModified: true}}
	r, st, q, _ := newRefresher(t, source)
	ctx := context.Background()

	p := domain.Podcast{Slug: "show", SourceURL: "https://example.com/feed.xml", ETag: `"v1"`}
	require.NoError(t, st.PutPodcast(ctx, p))

	added, err := r.RefreshPodcast(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, `"v1"`, source.gotETag, "stored validator must be sent with the fetch")

	length, err := q.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestRefreshPodcast_SSRFBlockedFeedIsRejected(t *testing.T) {
	source := &fakeSource{}
	r, _, _, _ := newRefresher(t, source)

	p := domain.Podcast{Slug: "show", SourceURL: "http://169.254.169.254/feed.xml"}
	r.resolver = nil // force real resolution path via the literal IP

	_, err := r.RefreshPodcast(context.Background(), p)
	require.Error(t, err)
	assert.Zero(t, source.calls, "a blocked URL must never reach the feed source")
}

func TestRefreshAll_RecordsOutcomeOnStatusBus(t *testing.T) {
	source := &fakeSource{result: FetchResult{
		Items: []Item{{GUID: "g", Title: "Ep", EnclosureURL: "https://cdn.example.com/e.mp3"}},
	}}
	r, st, _, bus := newRefresher(t, source)
	ctx := context.Background()

	require.NoError(t, st.PutPodcast(ctx, domain.Podcast{Slug: "show", SourceURL: "https://example.com/feed.xml"}))

	r.RefreshAll(ctx)

	snap := bus.Snapshot()
	require.Len(t, snap.FeedRefreshes, 1)
	assert.Equal(t, "show", snap.FeedRefreshes[0].PodcastSlug)
	assert.Equal(t, 1, snap.FeedRefreshes[0].NewEpisodes)
	assert.Empty(t, snap.FeedRefreshes[0].Error)
}

func TestEpisodeID_PrefersGUID(t *testing.T) {
	byGUID := EpisodeID("guid-1", "https://cdn.example.com/1.mp3")
	byURL := EpisodeID("", "https://cdn.example.com/1.mp3")
	assert.NotEqual(t, byGUID, byURL)
	assert.Equal(t, byGUID, EpisodeID("guid-1", "https://other.example.com/x.mp3"))
	assert.Len(t, byGUID, 32)
}
