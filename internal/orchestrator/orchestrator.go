// Package orchestrator drives the per-episode ad-removal state machine:
// transcribe, classify, fold in heuristic roll detection, refine and fuse
// proposals, validate, splice the audio, run the verification pass, and
// finalize. One explicit per-episode pipeline, gated by the single
// processing slot.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"podscrub/internal/audioedit"
	"podscrub/internal/classifier"
	"podscrub/internal/config"
	"podscrub/internal/domain"
	"podscrub/internal/llm"
	"podscrub/internal/podutil"
	"podscrub/internal/queue"
	"podscrub/internal/rolldetect"
	"podscrub/internal/sponsor"
	"podscrub/internal/state"
	"podscrub/internal/status"
	"podscrub/internal/storage"
	"podscrub/internal/transcribe"
	"podscrub/internal/validator"
	"podscrub/internal/verify"
)

// Dependencies are the adapters and stores one Orchestrator drives. All
// fields are required except Sponsor (sponsor-aware validation simply sees
// no confirmed sponsors without it) and Tokens (token accounting is
// skipped when nil).
type Dependencies struct {
	State       *state.Store
	Queue       *queue.Queue
	Status      *status.Bus
	Downloader  *transcribe.Downloader
	Transcriber verify.Transcriber
	Classifier  *classifier.Classifier
	Storage     storage.Storage
	Config      *config.Config
	Sponsor     *sponsor.Registry

	// Tokens, when set, is armed at the start of each run and drained on
	// every exit path, success or failure.
	Tokens *llm.TokenTracker
}

// Orchestrator runs the pipeline for one episode at a time, serialized
// by the processing slot held in Dependencies.Queue.
type Orchestrator struct {
	deps Dependencies

	// cutAndSplice and probeDuration are overridable for tests; they
	// default to the real audioedit adapter.
	cutAndSplice  func(ctx context.Context, inputPath string, cuts []audioedit.Cut, outputPath, markerPath, bitrate string) (bool, error)
	probeDuration func(ctx context.Context, path string) (float64, error)

	workDir string
}

// New constructs an Orchestrator around deps, storing working files under
// workDir (created if absent).
func New(deps Dependencies, workDir string) *Orchestrator {
	return &Orchestrator{
		deps:          deps,
		cutAndSplice:  audioedit.CutAndSplice,
		probeDuration: audioedit.ProbeDuration,
		workDir:       workDir,
	}
}

// ProcessEpisode runs the full state machine for one episode: PENDING (or
// FAILED-reset) -> PROCESSING -> TRANSCRIBING -> CLASSIFYING -> VALIDATING
// -> EDITING -> VERIFYING -> VALIDATING' -> EDITING' -> PROCESSED, or
// FAILED/PERMANENTLY_FAILED on any stage error. The processing slot is
// acquired for the duration of the run and released on every exit path.
func (o *Orchestrator) ProcessEpisode(ctx context.Context, slug, episodeID, originalURL, title, podcastName, description string) error {
	acquired, err := o.deps.Queue.Acquire(ctx, slug, episodeID)
	if err != nil {
		return fmt.Errorf("acquire processing slot: %w", err)
	}
	if !acquired {
		return queue.ErrSlotHeld
	}
	defer func() {
		if err := o.deps.Queue.Release(ctx, slug, episodeID); err != nil {
			slog.Error("failed to release processing slot", "slug", slug, "episode_id", episodeID, "error", err)
		}
	}()

	if o.deps.Tokens != nil {
		o.deps.Tokens.StartEpisode(episodeID)
		defer func() {
			totals := o.deps.Tokens.Totals(episodeID)
			slog.Info("episode token usage", "slug", slug, "episode_id", episodeID,
				"input_tokens", totals.InputTokens, "output_tokens", totals.OutputTokens)
			o.deps.Tokens.EndEpisode(episodeID)
		}()
	}

	o.deps.Status.SetCurrentJob(&status.CurrentJob{
		PodcastSlug: slug, EpisodeID: episodeID, Title: title,
		Stage: string(domain.StatusProcessing), StartedAt: time.Now(),
	})
	defer o.deps.Status.SetCurrentJob(nil)

	episode, found, err := o.deps.State.GetEpisode(ctx, slug, episodeID)
	if err != nil {
		return fmt.Errorf("load episode %s/%s: %w", slug, episodeID, err)
	}
	if !found {
		episode = domain.Episode{
			PodcastSlug: slug, EpisodeID: episodeID,
			OriginalURL: originalURL, Title: title,
			Status: domain.StatusPending, CreatedAt: time.Now(),
		}
	}
	episode.Status = domain.StatusProcessing
	if err := o.deps.State.PutEpisode(ctx, episode); err != nil {
		return fmt.Errorf("mark episode processing: %w", err)
	}

	runDir := filepath.Join(o.workDir, uuid.New().String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	result, runErr := o.run(ctx, runDir, &episode, description, podcastName)
	if runErr != nil {
		return o.fail(ctx, &episode, runErr)
	}

	episode.Status = domain.StatusProcessed
	episode.ProcessedFile = result.processedURL
	episode.ProcessedAt = time.Now()
	episode.OriginalDuration = result.originalDuration
	episode.NewDuration = result.newDuration
	episode.AdsRemoved = result.finalAds
	episode.ErrorMessage = ""
	if err := o.deps.State.PutEpisode(ctx, episode); err != nil {
		return fmt.Errorf("finalize episode %s/%s: %w", slug, episodeID, err)
	}

	timeSaved := result.originalDuration - result.newDuration
	if err := o.deps.State.IncrementTotalTimeSaved(ctx, timeSaved); err != nil {
		slog.Error("failed to record time saved", "slug", slug, "episode_id", episodeID, "error", err)
	}
	slog.Info("episode processed", "slug", slug, "episode_id", episodeID,
		"original_duration", result.originalDuration, "new_duration", result.newDuration, "ads_removed", len(result.finalAds))
	return nil
}

// ReprocessEpisode clears the episode's stored artifacts (transcript, ad
// markers, prompts) and runs the pipeline fresh, so a reprocess request
// never reuses a stale cached transcript.
func (o *Orchestrator) ReprocessEpisode(ctx context.Context, slug, episodeID, originalURL, title, podcastName, description string) error {
	if err := o.deps.State.ClearEpisodeDetails(ctx, slug, episodeID); err != nil {
		return fmt.Errorf("clear stale episode details: %w", err)
	}
	return o.ProcessEpisode(ctx, slug, episodeID, originalURL, title, podcastName, description)
}

// fail records a stage error against the episode, promoting it to
// permanently_failed once retry_count reaches the configured max.
func (o *Orchestrator) fail(ctx context.Context, episode *domain.Episode, cause error) error {
	episode.RetryCount++
	episode.ErrorMessage = cause.Error()
	if episode.RetryCount >= o.deps.Config.MaxRetries {
		episode.Status = domain.StatusPermanentlyFailed
	} else {
		episode.Status = domain.StatusFailed
	}
	if err := o.deps.State.PutEpisode(ctx, *episode); err != nil {
		slog.Error("failed to record episode failure", "slug", episode.PodcastSlug, "episode_id", episode.EpisodeID, "error", err)
	}
	slog.Error("episode processing failed", "slug", episode.PodcastSlug, "episode_id", episode.EpisodeID,
		"retry_count", episode.RetryCount, "status", episode.Status, "error", cause)
	return cause
}

// runResult carries the outputs a successful run needs to finalize the
// episode record.
type runResult struct {
	processedURL     string
	originalDuration float64
	newDuration      float64
	finalAds         []domain.AdMarker
}

func (o *Orchestrator) setStage(slug, episodeID string, stage domain.EpisodeStatus) {
	o.deps.Status.SetStage(string(stage))
	slog.Info("episode stage", "slug", slug, "episode_id", episodeID, "stage", stage)
}

func (o *Orchestrator) run(ctx context.Context, runDir string, episode *domain.Episode, description, podcastName string) (runResult, error) {
	slug, episodeID := episode.PodcastSlug, episode.EpisodeID

	details, detailsFound, err := o.deps.State.GetEpisodeDetails(ctx, slug, episodeID)
	if err != nil {
		return runResult{}, fmt.Errorf("load episode details: %w", err)
	}

	// --- Transcribe ---
	o.setStage(slug, episodeID, domain.StatusTranscribing)
	episode.Status = domain.StatusTranscribing
	_ = o.deps.State.PutEpisode(ctx, *episode)

	originalPath := filepath.Join(runDir, "original.mp3")
	var segments []podutil.Segment

	if detailsFound && details.TranscriptText != "" {
		if err := json.Unmarshal([]byte(details.TranscriptText), &segments); err != nil {
			segments = nil
		}
	}
	if segments == nil {
		downloadedPath, err := o.deps.Downloader.Download(ctx, episode.OriginalURL)
		if err != nil {
			return runResult{}, fmt.Errorf("download audio: %w", err)
		}
		defer os.Remove(downloadedPath)
		if err := os.Rename(downloadedPath, originalPath); err != nil {
			return runResult{}, fmt.Errorf("stage downloaded audio: %w", err)
		}

		segments, err = o.deps.Transcriber.Transcribe(ctx, originalPath)
		if err != nil {
			return runResult{}, fmt.Errorf("transcribe audio: %w", err)
		}
		blob, err := json.Marshal(segments)
		if err != nil {
			return runResult{}, fmt.Errorf("marshal transcript: %w", err)
		}
		details.TranscriptText = string(blob)
		details.TranscriptVTT = buildVTT(segments)
		if err := o.deps.State.PutEpisodeDetails(ctx, slug, episodeID, details); err != nil {
			return runResult{}, fmt.Errorf("persist transcript: %w", err)
		}
	} else {
		// Reusing a cached transcript; the original audio must still be
		// present locally for the edit stage below, so fetch it now.
		downloadedPath, err := o.deps.Downloader.Download(ctx, episode.OriginalURL)
		if err != nil {
			return runResult{}, fmt.Errorf("download audio: %w", err)
		}
		defer os.Remove(downloadedPath)
		if err := os.Rename(downloadedPath, originalPath); err != nil {
			return runResult{}, fmt.Errorf("stage downloaded audio: %w", err)
		}
	}

	originalDuration, err := o.probeDuration(ctx, originalPath)
	if err != nil {
		return runResult{}, fmt.Errorf("probe original duration: %w", err)
	}

	// --- Classify (pass 1) ---
	o.setStage(slug, episodeID, domain.StatusClassifying)
	episode.Status = domain.StatusClassifying
	_ = o.deps.State.PutEpisode(ctx, *episode)

	scopedClassifier := o.deps.Classifier.ForEpisode(episodeID)
	classifyResult, err := scopedClassifier.Detect(ctx, segments, podcastName, episode.Title, description)
	if err != nil {
		return runResult{}, fmt.Errorf("classify transcript: %w", err)
	}
	if classifyResult.Status == classifier.StatusFailed {
		return runResult{}, fmt.Errorf("classifier reported failure")
	}
	details.FirstPassPrompt = classifyResult.Prompt
	details.FirstPassResponse = classifyResult.RawResponse
	if err := o.deps.State.PutEpisodeDetails(ctx, slug, episodeID, details); err != nil {
		return runResult{}, fmt.Errorf("persist first pass artifacts: %w", err)
	}

	ads := classifyResult.Ads

	// --- Heuristics ---
	if preroll := rolldetect.DetectPreroll(segments, ads); preroll != nil {
		ads = append(ads, *preroll)
	}
	if postroll := rolldetect.DetectPostroll(segments, ads, originalDuration); postroll != nil {
		ads = append(ads, *postroll)
	}

	// --- Refine & fuse ---
	ads = classifier.RefineAdBoundaries(ads, segments)
	ads = classifier.MergeSameSponsorAds(ads, segments, classifier.DefaultMergeSameSponsorGap)
	ads = classifier.ValidateAdTimestamps(ads, segments, 0, originalDuration)

	// --- Validate ---
	o.setStage(slug, episodeID, domain.StatusValidating)
	episode.Status = domain.StatusValidating
	_ = o.deps.State.PutEpisode(ctx, *episode)

	v := validator.New(originalDuration, segments, description)
	if o.deps.Sponsor != nil {
		v = v.WithSponsorRegistry(o.deps.Sponsor)
	}
	validated := v.Validate(ads)

	if corrections, err := o.deps.State.ListUserCorrections(ctx, slug, episodeID); err == nil && len(corrections) > 0 {
		validated.Ads = v.ApplyUserCorrections(validated.Ads, corrections)
	}

	if err := persistAdMarkers(ctx, o.deps.State, slug, episodeID, details, validated.Ads); err != nil {
		return runResult{}, err
	}

	accepted := acceptedAds(validated.Ads)
	if len(accepted) == 0 {
		// Nothing to cut; the episode is processed as-is.
		processedURL, err := o.publishUnedited(ctx, slug, episodeID, originalPath)
		if err != nil {
			return runResult{}, err
		}
		return runResult{
			processedURL:     processedURL,
			originalDuration: originalDuration,
			newDuration:      originalDuration,
			finalAds:         validated.Ads,
		}, nil
	}

	// --- Edit (pass 1) ---
	o.setStage(slug, episodeID, domain.StatusEditing)
	episode.Status = domain.StatusEditing
	_ = o.deps.State.PutEpisode(ctx, *episode)

	processedPath := filepath.Join(runDir, "processed_pass1.mp3")
	ok, err := o.cutAndSplice(ctx, originalPath, cutsFromAds(accepted), processedPath, o.deps.Config.ReplaceMarkerPath, o.deps.Config.Bitrate)
	if err != nil {
		return runResult{}, fmt.Errorf("splice pass 1: %w", err)
	}
	if !ok {
		return runResult{}, fmt.Errorf("audio re-encode failed on pass 1")
	}

	finalPath := processedPath
	finalAds := accepted

	// --- Verify ---
	o.setStage(slug, episodeID, domain.StatusVerifying)
	episode.Status = domain.StatusVerifying
	_ = o.deps.State.PutEpisode(ctx, *episode)

	verifyPass := verify.New(o.deps.Transcriber, scopedClassifier)
	verifyResult, err := verifyPass.Verify(ctx, processedPath, podcastName, episode.Title, accepted)
	if err != nil {
		return runResult{}, fmt.Errorf("verification pass: %w", err)
	}

	if verifyResult.Status == verify.StatusFoundAds && len(verifyResult.Ads) > 0 {
		// The verification pass proposes additional original-coordinate
		// ads; validate them against the original transcript, union with
		// the already-kept ads, and re-splice from the original audio so
		// the second edit is idempotent with the first.
		o.setStage(slug, episodeID, domain.StatusValidating)
		episode.Status = domain.StatusValidating
		_ = o.deps.State.PutEpisode(ctx, *episode)

		unionInput := append(append([]domain.AdMarker{}, accepted...), verifyResult.Ads...)
		for i := range unionInput {
			unionInput[i].Validation = nil
		}
		secondValidated := v.Validate(unionInput)

		if err := persistAdMarkers(ctx, o.deps.State, slug, episodeID, details, secondValidated.Ads); err != nil {
			return runResult{}, err
		}

		unionAccepted := acceptedAds(secondValidated.Ads)
		if len(unionAccepted) > len(accepted) {
			o.setStage(slug, episodeID, domain.StatusEditing)
			episode.Status = domain.StatusEditing
			_ = o.deps.State.PutEpisode(ctx, *episode)

			secondPath := filepath.Join(runDir, "processed_pass2.mp3")
			ok, err := o.cutAndSplice(ctx, originalPath, cutsFromAds(unionAccepted), secondPath, o.deps.Config.ReplaceMarkerPath, o.deps.Config.Bitrate)
			if err != nil {
				return runResult{}, fmt.Errorf("splice pass 2: %w", err)
			}
			if !ok {
				return runResult{}, fmt.Errorf("audio re-encode failed on pass 2")
			}
			finalPath = secondPath
			finalAds = unionAccepted
		}
	}

	newDuration, err := o.probeDuration(ctx, finalPath)
	if err != nil {
		return runResult{}, fmt.Errorf("probe processed duration: %w", err)
	}

	processedURL, err := o.uploadProcessed(ctx, slug, episodeID, finalPath)
	if err != nil {
		return runResult{}, err
	}

	return runResult{
		processedURL:     processedURL,
		originalDuration: originalDuration,
		newDuration:      newDuration,
		finalAds:         finalAds,
	}, nil
}

// publishUnedited uploads the original audio unchanged when validation
// accepted no ads, so the episode still transitions to processed with a
// usable processed_file.
func (o *Orchestrator) publishUnedited(ctx context.Context, slug, episodeID, originalPath string) (string, error) {
	return o.uploadProcessed(ctx, slug, episodeID, originalPath)
}

func (o *Orchestrator) uploadProcessed(ctx context.Context, slug, episodeID, localPath string) (string, error) {
	key := fmt.Sprintf("%s/%s.mp3", slug, episodeID)
	if err := o.deps.Storage.Put(ctx, key, localPath, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("upload processed audio: %w", err)
	}
	return o.deps.Storage.URL(key), nil
}

func persistAdMarkers(ctx context.Context, store *state.Store, slug, episodeID string, details domain.EpisodeDetails, ads []domain.AdMarker) error {
	blob, err := json.Marshal(ads)
	if err != nil {
		return fmt.Errorf("marshal ad markers: %w", err)
	}
	details.AdMarkersJSON = string(blob)
	if err := store.PutEpisodeDetails(ctx, slug, episodeID, details); err != nil {
		return fmt.Errorf("persist ad markers: %w", err)
	}
	return nil
}

// acceptedAds returns only the ads the validator decided to ACCEPT, sorted
// by start, since only those flow into editing.
func acceptedAds(ads []domain.AdMarker) []domain.AdMarker {
	var out []domain.AdMarker
	for _, ad := range ads {
		if ad.Validation != nil && ad.Validation.Decision == domain.DecisionAccept {
			out = append(out, ad)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func cutsFromAds(ads []domain.AdMarker) []audioedit.Cut {
	cuts := make([]audioedit.Cut, len(ads))
	for i, ad := range ads {
		cuts[i] = audioedit.Cut{Start: ad.Start, End: ad.End}
	}
	return cuts
}

// buildVTT renders segments as a minimal WebVTT transcript, consumed by
// the chapters/VTT layer.
func buildVTT(segments []podutil.Segment) string {
	var b []byte
	b = append(b, "WEBVTT\n\n"...)
	for _, seg := range segments {
		b = append(b, podutil.FormatVTTTimestamp(seg.Start)...)
		b = append(b, " --> "...)
		b = append(b, podutil.FormatVTTTimestamp(seg.End)...)
		b = append(b, '\n')
		b = append(b, seg.Text...)
		b = append(b, "\n\n"...)
	}
	return string(b)
}
