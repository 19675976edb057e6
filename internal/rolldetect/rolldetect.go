// Package rolldetect runs after the LLM classifier and before validation.
// It uses fixed regex families to find ad content before the show intro
// (pre-roll) or after the show sign-off (post-roll) that the classifier
// missed, compensating for LLM nondeterminism at window boundaries.
package rolldetect

import (
	"fmt"
	"regexp"

	"podscrub/internal/domain"
	"podscrub/internal/podutil"
)

// MinAdPatternMatches distinct ad-indicator regexes must match before a
// pre/post-roll region is flagged.
const MinAdPatternMatches = 2

// MaxPrerollDuration and MaxPostrollDuration bound how far from the
// episode's edges the detectors search, in seconds.
const (
	MaxPrerollDuration  = 120.0
	MaxPostrollDuration = 120.0
)

var signoffPatterns = compileAll(
	`(?i)see you next (week|time|episode)`,
	`(?i)(thanks?|thank you)\s+(for\s+)?(tuning in|listening|watching|joining)`,
	`(?i)until next (week|time)`,
	`(?i)bye[\s-]*bye`,
	`(?i)that'?s (all|it) for (today|this (week|episode)|now)`,
	`(?i)take care\b`,
	`(?i)catch you (next|later|soon)`,
)

var showStartPatterns = compileAll(
	`(?i)welcome (back )?(to|everyone)`,
	`(?i)(i'm|i am)\s+\w+[.,]\s+(and\s+)?(i'm|i am)`,
	`(?i)hello and welcome`,
	`(?i)hey (everyone|guys|folks|there)`,
	`(?i)(this is|you're listening to)\s+`,
	`(?i)episode\s+\d+`,
)

var adIndicatorPatterns = compileAll(
	`(?i)\w+\.(com|org|edu|net|io)\b`,
	`(?i)\w+\.(com|org|edu|net|io)\s+slash\s+`,
	`(?i)1-\d{3}`,
	`(?i)\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`,
	`(?i)(visit|go to|head to|check out)\s+(us\s+at\s+)?\w+\.`,
	`(?i)(sign up|try it|get started|apply|subscribe)\s+(now|today|at|for free)`,
	`(?i)(use|with)\s+(code|promo)`,
	`(?i)free trial`,
	`(?i)(sponsored|brought to you|presented)\s+by`,
	`(?i)for the ones who`,
	`(?i)advertising inquiries`,
	`(?i)privacy\s+(&|and)\s+opt.out`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}

func regionCovered(start, end float64, ads []domain.AdMarker, overlapThreshold float64) bool {
	regionDuration := end - start
	if regionDuration <= 0 {
		return true
	}
	covered := 0.0
	for _, ad := range ads {
		overlapStart := max(start, ad.Start)
		overlapEnd := min(end, ad.End)
		if overlapEnd > overlapStart {
			covered += overlapEnd - overlapStart
		}
	}
	return (covered / regionDuration) > overlapThreshold
}

func countAdPatterns(text string) int {
	count := 0
	for _, p := range adIndicatorPatterns {
		if p.MatchString(text) {
			count++
		}
	}
	return count
}

func confidenceFor(matchCount int) float64 {
	c := 0.7 + float64(matchCount)*0.05
	if c > 0.95 {
		return 0.95
	}
	return c
}

// DetectPreroll scans forward from the episode start for the first
// show-start phrase. If the transcript text before it matches at least
// MinAdPatternMatches distinct ad-indicator regexes and the region is not
// already >50% covered by existing ads, it returns a pre-roll marker.
func DetectPreroll(segments []podutil.Segment, existingAds []domain.AdMarker) *domain.AdMarker {
	if len(segments) == 0 {
		return nil
	}

	episodeStart := segments[0].Start
	maxSearchEnd := episodeStart + MaxPrerollDuration

	var showStartTime *float64
	for _, seg := range segments {
		if seg.Start > maxSearchEnd {
			break
		}
		for _, p := range showStartPatterns {
			if p.MatchString(seg.Text) {
				start := seg.Start
				showStartTime = &start
				break
			}
		}
		if showStartTime != nil {
			break
		}
	}

	if showStartTime == nil || *showStartTime <= episodeStart+5.0 {
		return nil
	}

	if regionCovered(episodeStart, *showStartTime, existingAds, 0.5) {
		return nil
	}

	prerollText := podutil.SegmentsText(segments, episodeStart, *showStartTime)
	matchCount := countAdPatterns(prerollText)
	if matchCount < MinAdPatternMatches {
		return nil
	}

	return &domain.AdMarker{
		Start:          episodeStart,
		End:            *showStartTime,
		Confidence:     confidenceFor(matchCount),
		Reason:         fmt.Sprintf("Pre-roll ad (%d ad indicators before show intro)", matchCount),
		DetectionStage: domain.StageHeuristicPreroll,
	}
}

// DetectPostroll scans backward from the episode end for the last sign-off
// phrase, symmetric to DetectPreroll.
func DetectPostroll(segments []podutil.Segment, existingAds []domain.AdMarker, episodeDuration float64) *domain.AdMarker {
	if len(segments) == 0 {
		return nil
	}

	episodeEnd := episodeDuration
	if episodeEnd <= 0 {
		episodeEnd = segments[len(segments)-1].End
	}
	minSearchStart := episodeEnd - MaxPostrollDuration

	var signoffTime *float64
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg.End < minSearchStart {
			break
		}
		for _, p := range signoffPatterns {
			if p.MatchString(seg.Text) {
				end := seg.End
				signoffTime = &end
				break
			}
		}
		if signoffTime != nil {
			break
		}
	}

	if signoffTime == nil || *signoffTime >= episodeEnd-5.0 {
		return nil
	}

	if regionCovered(*signoffTime, episodeEnd, existingAds, 0.5) {
		return nil
	}

	postrollText := podutil.SegmentsText(segments, *signoffTime, episodeEnd)
	matchCount := countAdPatterns(postrollText)
	if matchCount < MinAdPatternMatches {
		return nil
	}

	return &domain.AdMarker{
		Start:          *signoffTime,
		End:            episodeEnd,
		Confidence:     confidenceFor(matchCount),
		Reason:         fmt.Sprintf("Post-roll ad (%d ad indicators after sign-off)", matchCount),
		DetectionStage: domain.StageHeuristicPostroll,
	}
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
