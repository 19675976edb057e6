// Package verify implements the verification pass: after pass-1 edits are
// produced, the processed audio is re-transcribed and re-classified with a
// "what doesn't belong" prompt, and any additional ads found are mapped
// from processed-audio time back to original-audio time.
package verify

import (
	"context"
	"fmt"
	"sort"

	"podscrub/internal/domain"
	"podscrub/internal/podutil"
)

// Transcriber re-transcribes the processed audio. The same adapter as the
// first pass (internal/transcribe) satisfies it; the narrow interface
// keeps this package free of the backend's construction.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]podutil.Segment, error)
}

// Classifier runs detection in verification mode: a system prompt
// emphasizing "what doesn't belong" rather than the first-pass prompt.
type Classifier interface {
	DetectVerification(ctx context.Context, segments []podutil.Segment, podcastName, episodeTitle string) ([]domain.AdMarker, error)
}

// Status describes the outcome of a verification pass.
type Status string

const (
	StatusClean               Status = "clean"
	StatusFoundAds            Status = "found_ads"
	StatusNoSegments          Status = "no_segments"
	StatusTranscriptionFailed Status = "transcription_failed"
)

// Result carries both coordinate systems: Ads in original-audio time (for
// storage/UI) and AdsProcessed in processed-audio time (for the second
// splicing pass).
type Result struct {
	Ads          []domain.AdMarker
	AdsProcessed []domain.AdMarker
	Segments     []podutil.Segment
	Status       Status
}

// Pass runs the verification pipeline.
type Pass struct {
	transcriber Transcriber
	classifier  Classifier
}

// New constructs a verification Pass over the given transcriber and
// classifier.
func New(transcriber Transcriber, classifier Classifier) *Pass {
	return &Pass{transcriber: transcriber, classifier: classifier}
}

// Verify re-transcribes processedAudioPath, re-classifies it, and maps any
// found ads back to original-audio coordinates using pass1Cuts, the list
// of ad spans (in original-audio time) that were cut to produce the
// processed audio.
func (p *Pass) Verify(ctx context.Context, processedAudioPath, podcastName, episodeTitle string, pass1Cuts []domain.AdMarker) (Result, error) {
	segments, err := p.transcriber.Transcribe(ctx, processedAudioPath)
	if err != nil {
		return Result{Status: StatusTranscriptionFailed}, fmt.Errorf("verification transcribe: %w", err)
	}
	if len(segments) == 0 {
		return Result{Status: StatusNoSegments}, nil
	}

	processedAds, err := p.classifier.DetectVerification(ctx, segments, podcastName, episodeTitle)
	if err != nil {
		return Result{Segments: segments, Status: StatusNoSegments}, fmt.Errorf("verification classify: %w", err)
	}

	for i := range processedAds {
		processedAds[i].DetectionStage = domain.StageVerification
	}

	if len(processedAds) == 0 {
		return Result{Segments: segments, Status: StatusClean}, nil
	}

	var originalAds []domain.AdMarker
	if len(pass1Cuts) > 0 {
		timestampMap := buildTimestampMap(pass1Cuts)
		originalAds = make([]domain.AdMarker, len(processedAds))
		for i, ad := range processedAds {
			mapped := ad
			mapped.Start = mapToOriginal(ad.Start, timestampMap)
			mapped.End = mapToOriginal(ad.End, timestampMap)
			originalAds[i] = mapped
		}
	} else {
		originalAds = append(originalAds, processedAds...)
	}

	return Result{
		Ads:          originalAds,
		AdsProcessed: processedAds,
		Segments:     segments,
		Status:       StatusFoundAds,
	}, nil
}

// cutSpan is a (start, duration) pair in original-audio time.
type cutSpan struct {
	start    float64
	duration float64
}

// buildTimestampMap builds a sorted list of (cut_start, cut_duration) from
// pass-1 removed ads, each entry a gap in the original timeline that was
// removed.
func buildTimestampMap(pass1Cuts []domain.AdMarker) []cutSpan {
	cuts := make([]cutSpan, 0, len(pass1Cuts))
	for _, ad := range pass1Cuts {
		duration := ad.End - ad.Start
		if duration > 0 {
			cuts = append(cuts, cutSpan{start: ad.Start, duration: duration})
		}
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].start < cuts[j].start })
	return cuts
}

// mapToOriginal maps a processed-audio timestamp back to original-audio
// time by walking the sorted cuts and accumulating removed duration for
// every cut that, in the original timeline, starts before the current
// accumulated position.
func mapToOriginal(processedTime float64, cuts []cutSpan) float64 {
	offset := 0.0
	for _, cut := range cuts {
		if processedTime >= cut.start-offset {
			offset += cut.duration
		} else {
			break
		}
	}
	return processedTime + offset
}

// ToProcessed is the forward counterpart of mapToOriginal: it maps an
// original-audio timestamp to processed-audio time by subtracting every
// cut's duration that lies entirely before it, matching how pass-1 splicing
// actually shifted the timeline. Used by tests to verify the round-trip
// property (to_original(to_processed(t)) == t for any t not inside a cut).
func ToProcessed(originalTime float64, pass1Cuts []domain.AdMarker) float64 {
	cuts := buildTimestampMap(pass1Cuts)
	offset := 0.0
	for _, cut := range cuts {
		cutEnd := cut.start + cut.duration
		if originalTime >= cutEnd {
			offset += cut.duration
		}
	}
	return originalTime - offset
}
