package orchestrator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"podscrub/internal/audioedit"
	"podscrub/internal/classifier"
	"podscrub/internal/config"
	"podscrub/internal/domain"
	"podscrub/internal/llm"
	"podscrub/internal/podutil"
	"podscrub/internal/queue"
	"podscrub/internal/state"
	"podscrub/internal/status"
	"podscrub/internal/storage"
	"podscrub/internal/transcribe"
)

// fakeLLMClient cycles through canned responses, one per call, clamping to
// the last once exhausted. Mirrors internal/classifier's own test fake.
type fakeLLMClient struct {
	responses []string
	calls     int
}

func (f *fakeLLMClient) MessagesCreate(ctx context.Context, req llm.CompletionRequest) (llm.Response, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return llm.Response{Content: f.responses[idx], Model: req.Model, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}
func (f *fakeLLMClient) ListModels(ctx context.Context) []llm.Model { return nil }
func (f *fakeLLMClient) ProviderName() string                      { return "fake" }

// fakeTranscriber returns the same canned segments regardless of which
// audio file it's pointed at, so one fake stands in for both the original
// transcription pass and the verification pass's re-transcription.
type fakeTranscriber struct {
	segments []podutil.Segment
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string) ([]podutil.Segment, error) {
	return f.segments, nil
}

// loopbackRedirectTransport rewrites every request to dial the given
// loopback address, while leaving the Host header untouched, so a
// urlguard-validated public-looking hostname can still be served by an
// httptest.Server listening on 127.0.0.1.
type loopbackRedirectTransport struct {
	addr string
}

func (t *loopbackRedirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Host = t.addr
	return http.DefaultTransport.RoundTrip(clone)
}

// fakeResolver resolves every hostname to a fixed, public-looking IP so
// internal/urlguard's SSRF checks pass even though the real connection (via
// loopbackRedirectTransport) goes to a local httptest.Server.
type fakeResolver struct{ ip string }

func (r fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP(r.ip)}}, nil
}

func newTestQueueAndState(t *testing.T) (*queue.Queue, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewWithClient(client), state.NewWithClient(client)
}

func TestProcessEpisode_CleanHighConfidenceAd(t *testing.T) {
	audioServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-mp3-bytes"))
	}))
	defer audioServer.Close()
	addr := audioServer.Listener.Addr().String()

	q, st := newTestQueueAndState(t)
	ctx := context.Background()

	downloadDir := t.TempDir()
	downloader := transcribe.NewDownloader(500*1024*1024, downloadDir)
	downloader.Client = &http.Client{Transport: &loopbackRedirectTransport{addr: addr}}
	downloader.Resolver = fakeResolver{ip: "93.184.216.34"}

	// A clean, high-confidence BetterHelp read inside a
	// 300s episode, ACCEPTed by the validator on the first pass with no
	// additional ads surfacing on verification.
	segments := []podutil.Segment{
		{Start: 20, End: 95, Text: "BetterHelp sponsor read, use promo code SAVE10 at betterhelp.com/podcast"},
	}
	transcriber := &fakeTranscriber{segments: segments}

	firstPassJSON := `[{"start": 30, "end": 90, "confidence": 0.95, "reason": "BetterHelp sponsor read", "sponsor": "BetterHelp"}]`
	verifyPassJSON := `[]`
	llmClient := &fakeLLMClient{responses: []string{firstPassJSON, verifyPassJSON}}
	clsf := classifier.New(llmClient, nil, "fake-model")

	storageRoot := t.TempDir()
	store, err := storage.NewLocalStorage(storageRoot, "http://localhost:8000/files")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.MaxRetries = 3

	orch := &Orchestrator{
		deps: Dependencies{
			State:       st,
			Queue:       q,
			Status:      status.New(),
			Downloader:  downloader,
			Transcriber: transcriber,
			Classifier:  clsf,
			Storage:     store,
			Config:      cfg,
		},
		workDir: t.TempDir(),
	}

	var sawFinalCut bool
	orch.cutAndSplice = func(ctx context.Context, inputPath string, cuts []audioedit.Cut, outputPath, markerPath, bitrate string) (bool, error) {
		if len(cuts) == 1 && cuts[0].Start == 30 && cuts[0].End == 90 {
			sawFinalCut = true
		}
		return true, os.WriteFile(outputPath, []byte("edited-audio"), 0o644)
	}
	orch.probeDuration = func(ctx context.Context, path string) (float64, error) {
		switch filepath.Base(path) {
		case "original.mp3":
			return 300.0, nil
		default:
			return 240.0, nil
		}
	}

	err = orch.ProcessEpisode(ctx, "my-show", "ep1", "http://audio.example.com/ep1.mp3", "Episode 1", "My Show", "")
	require.NoError(t, err)
	require.True(t, sawFinalCut, "expected the pass-1 cut to reach the audio editor")

	episode, found, err := st.GetEpisode(ctx, "my-show", "ep1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusProcessed, episode.Status)
	require.Equal(t, 300.0, episode.OriginalDuration)
	require.Equal(t, 240.0, episode.NewDuration)
	require.Len(t, episode.AdsRemoved, 1)
	require.Equal(t, domain.DecisionAccept, episode.AdsRemoved[0].Validation.Decision)
	require.NotEmpty(t, episode.ProcessedFile)

	saved, err := st.GetTotalTimeSaved(ctx)
	require.NoError(t, err)
	require.InDelta(t, 60.0, saved, 0.001)

	details, found, err := st.GetEpisodeDetails(ctx, "my-show", "ep1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, details.TranscriptText)
	require.NotEmpty(t, details.AdMarkersJSON)
}

func TestProcessEpisode_SlotHeldReturnsBusyError(t *testing.T) {
	q, st := newTestQueueAndState(t)
	ctx := context.Background()

	require.NoError(t, st.PutEpisode(ctx, domain.Episode{PodcastSlug: "show", EpisodeID: "busy-ep", Status: domain.StatusPending, CreatedAt: time.Now()}))
	acquired, err := q.Acquire(ctx, "show", "other-ep")
	require.NoError(t, err)
	require.True(t, acquired)
	defer q.Release(ctx, "show", "other-ep")

	orch := &Orchestrator{
		deps: Dependencies{
			State:  st,
			Queue:  q,
			Status: status.New(),
			Config: config.Default(),
		},
		workDir: t.TempDir(),
	}

	err = orch.ProcessEpisode(ctx, "show", "busy-ep", "http://audio.example.com/x.mp3", "X", "Show", "")
	require.ErrorIs(t, err, queue.ErrSlotHeld)
}

func TestProcessEpisode_ClassifierFailureMarksEpisodeFailed(t *testing.T) {
	audioServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-mp3-bytes"))
	}))
	defer audioServer.Close()
	addr := audioServer.Listener.Addr().String()

	q, st := newTestQueueAndState(t)
	ctx := context.Background()

	downloader := transcribe.NewDownloader(500*1024*1024, t.TempDir())
	downloader.Client = &http.Client{Transport: &loopbackRedirectTransport{addr: addr}}
	downloader.Resolver = fakeResolver{ip: "93.184.216.34"}

	transcriber := &fakeTranscriber{segments: []podutil.Segment{{Start: 0, End: 10, Text: "hello world"}}}

	// A garbled response parses as status=success with ads=[], so failure
	// here must come from somewhere else to exercise the FAILED path: an
	// LLM transport error.
	llmClient := &erroringLLMClient{}
	clsf := classifier.New(llmClient, nil, "fake-model")

	storageRoot := t.TempDir()
	store, err := storage.NewLocalStorage(storageRoot, "http://localhost:8000/files")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.MaxRetries = 3

	orch := &Orchestrator{
		deps: Dependencies{
			State:       st,
			Queue:       q,
			Status:      status.New(),
			Downloader:  downloader,
			Transcriber: transcriber,
			Classifier:  clsf,
			Storage:     store,
			Config:      cfg,
		},
		workDir:       t.TempDir(),
		cutAndSplice:  audioedit.CutAndSplice,
		probeDuration: func(ctx context.Context, path string) (float64, error) { return 120.0, nil },
	}

	err = orch.ProcessEpisode(ctx, "my-show", "ep2", "http://audio.example.com/ep2.mp3", "Episode 2", "My Show", "")
	require.Error(t, err)

	episode, found, err := st.GetEpisode(ctx, "my-show", "ep2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusFailed, episode.Status)
	require.Equal(t, 1, episode.RetryCount)
	require.NotEmpty(t, episode.ErrorMessage)
}

type erroringLLMClient struct{}

func (e *erroringLLMClient) MessagesCreate(ctx context.Context, req llm.CompletionRequest) (llm.Response, error) {
	return llm.Response{}, context.DeadlineExceeded
}
func (e *erroringLLMClient) ListModels(ctx context.Context) []llm.Model { return nil }
func (e *erroringLLMClient) ProviderName() string                      { return "fake" }
