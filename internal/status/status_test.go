package status

import (
	"testing"
	"time"

	"podscrub/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestSetCurrentJobAndStage(t *testing.T) {
	b := New()
	b.SetCurrentJob(&CurrentJob{PodcastSlug: "show", EpisodeID: "ep1", Stage: "transcribing", StartedAt: time.Now()})

	snap := b.Snapshot()
	require.NotNil(t, snap.CurrentJob)
	require.Equal(t, "transcribing", snap.CurrentJob.Stage)

	b.SetStage("classifying")
	snap = b.Snapshot()
	require.Equal(t, "classifying", snap.CurrentJob.Stage)

	b.SetCurrentJob(nil)
	snap = b.Snapshot()
	require.Nil(t, snap.CurrentJob)
}

func TestSetQueuedUpdatesLength(t *testing.T) {
	b := New()
	b.SetQueued([]domain.QueueEntry{{PodcastSlug: "show", EpisodeID: "ep1"}, {PodcastSlug: "show", EpisodeID: "ep2"}})
	snap := b.Snapshot()
	require.Equal(t, 2, snap.QueueLength)
	require.Len(t, snap.Queued, 2)
}

func TestFeedRefreshHistoryIsBounded(t *testing.T) {
	b := New()
	for i := 0; i < maxFeedRefreshHistory+5; i++ {
		b.RecordFeedRefresh(FeedRefresh{PodcastSlug: "show", RefreshedAt: time.Now()})
	}
	snap := b.Snapshot()
	require.Len(t, snap.FeedRefreshes, maxFeedRefreshHistory)
}

func TestSubscribeReceivesBroadcastAndCancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()

	b.SetQueued([]domain.QueueEntry{{PodcastSlug: "show", EpisodeID: "ep1"}})
	select {
	case snap := <-ch:
		require.Equal(t, 1, snap.QueueLength)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast snapshot")
	}

	cancel()
	// Further updates must not panic or block now that the channel is closed.
	b.SetQueued([]domain.QueueEntry{})
}

func TestBroadcastDropsWhenSubscriberBacklogged(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < 10; i++ {
		b.RecordFeedRefresh(FeedRefresh{PodcastSlug: "show"})
	}

	// The bus must still be usable; draining whatever made it through.
	for {
		select {
		case <-ch:
			continue
		default:
		}
		break
	}
	snap := b.Snapshot()
	require.NotEmpty(t, snap.FeedRefreshes)
}
