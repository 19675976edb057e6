// Package classifier is the ad classifier: windowed LLM prompting over a
// transcript, JSON parsing and sanitization of ad proposals, and the
// boundary-refinement / same-sponsor-merge / timestamp-revalidation passes
// that run on the raw LLM output before validation. internal/llm is the
// only backend boundary; everything here works on parsed transcripts and
// plain ad markers.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"podscrub/internal/domain"
	"podscrub/internal/llm"
	"podscrub/internal/podutil"
)

// Status reports whether a detection call reached the backend at all.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the outcome of one classification call.
type Result struct {
	Ads         []domain.AdMarker
	RawResponse string
	Prompt      string
	Status      Status
}

// defaultSystemPrompt drives first-pass detection: find ad segments.
const defaultSystemPrompt = `You are an expert at identifying advertisement segments in podcast transcripts.

Look for:
- Product endorsements, sponsored content, or promotional messages
- Promo codes, special offers, or calls to action
- Clear transitions to/from ads (e.g. "this episode is brought to you by...")
- Host-read advertisements
- Pre-roll, mid-roll, or post-roll ads
- Long intro sections filled with multiple ads before actual content begins
- Cross-promotion for other shows in the same network

When detecting multi-part ad blocks (several back-to-back ads with minimal gaps), return ONE continuous segment spanning the first ad's start to the last ad's end. Do not split a continuous ad block into multiple segments.

Return a JSON array of objects with "start", "end", "confidence", "reason", and optionally "sponsor" and "end_text". Times are in seconds. If no ads are found, return an empty array.`

// verificationSystemPrompt drives the second-pass read on reprocessed audio:
// instead of asking "where are the ads", it asks "what doesn't belong",
// since the pass-1 cuts should already have removed the obvious ones.
const verificationSystemPrompt = `You are reviewing a podcast episode that has already had its advertisements removed. Listen for anything that still doesn't belong: a missed ad, an abrupt transition, a sponsor mention that survived the first pass, or a leftover promotional segment.

Return a JSON array of objects with "start", "end", "confidence", "reason", and optionally "sponsor". Times are in seconds, relative to THIS (already-edited) audio. If everything belongs, return an empty array.`

// blindSystemPrompt is an independent second read over the same
// transcript, used by DetectBlind. It is an optional pre-edit fusion input,
// distinct from the authoritative post-edit verification pass in
// internal/verify.
const blindSystemPrompt = `You are a second, independent reviewer identifying advertisement segments in a podcast transcript. Evaluate the transcript fresh, without assuming any prior analysis.

Return a JSON array of objects with "start", "end", "confidence", "reason", and optionally "sponsor". Times are in seconds. If no ads are found, return an empty array.`

const defaultUserPromptTemplate = "Podcast: {podcast_name}\nEpisode: {episode_title}\n\nTranscript:\n{transcript}"

// windowMaxChars bounds how much transcript text one LLM call carries.
// A transcript longer than this is split into
// non-overlapping windows by segment boundary; each window is classified
// independently and results are concatenated, since ad spans are local to
// their window's time range.
const windowMaxChars = 15000

// Classifier runs ad detection through an llm.Client.
type Classifier struct {
	client      llm.Client
	tracker     *llm.TokenTracker
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration // per-call timeout; 0 uses the client's default

	// PromptTemplate is the configurable user-prompt template bound to
	// {podcast_name}, {episode_title}, and {transcript}.
	PromptTemplate string

	// sponsors, when set, contributes a known-sponsor name list to the
	// system prompt so the model can recognize a sponsor read even when
	// the transcript's phrasing is ambiguous. Optional: nil disables it.
	sponsors SponsorLister

	episodeID string
}

// SponsorLister is the read-only slice of the sponsor registry the
// classifier needs. internal/sponsor.Registry satisfies this.
type SponsorLister interface {
	ClaudeSponsorList() string
}

// New constructs a Classifier. tracker may be nil to disable token
// accounting (e.g. in tests).
func New(client llm.Client, tracker *llm.TokenTracker, model string) *Classifier {
	return &Classifier{
		client:         client,
		tracker:        tracker,
		model:          model,
		maxTokens:      2000,
		temperature:    0,
		PromptTemplate: defaultUserPromptTemplate,
	}
}

// WithSponsorRegistry attaches the known-sponsor registry, appending its
// sponsor list to every system prompt this classifier issues. Returns c
// for chaining.
func (c *Classifier) WithSponsorRegistry(sponsors SponsorLister) *Classifier {
	c.sponsors = sponsors
	return c
}

// WithTimeout sets the per-call LLM timeout. Returns c for chaining.
func (c *Classifier) WithTimeout(d time.Duration) *Classifier {
	c.timeout = d
	return c
}

// systemPromptWithSponsors appends a known-sponsor hint block to base when
// the registry has entries, so windowed prompts and the episode-scoped
// copy returned by ForEpisode both pick it up automatically.
func (c *Classifier) systemPromptWithSponsors(base string) string {
	if c.sponsors == nil {
		return base
	}
	list := c.sponsors.ClaudeSponsorList()
	if list == "" {
		return base
	}
	return base + "\n\nKnown sponsors previously seen on this feed (not exhaustive): " + list
}

// ForEpisode returns a shallow copy of c scoped to episodeID, so every
// Detect/DetectBlind/DetectVerification call made through it records token
// usage against that episode. The single processing slot guarantees only
// one episode's classifier instance is ever in flight, so per-episode
// scoping needs no goroutine-local storage.
func (c *Classifier) ForEpisode(episodeID string) *Classifier {
	cp := *c
	cp.episodeID = episodeID
	return &cp
}

func (c *Classifier) buildUserPrompt(podcastName, episodeTitle string, segments []podutil.Segment) string {
	transcript := renderTranscript(segments)
	prompt := c.PromptTemplate
	if prompt == "" {
		prompt = defaultUserPromptTemplate
	}
	prompt = strings.ReplaceAll(prompt, "{podcast_name}", podcastName)
	prompt = strings.ReplaceAll(prompt, "{episode_title}", episodeTitle)
	prompt = strings.ReplaceAll(prompt, "{transcript}", transcript)
	return prompt
}

// renderTranscript formats segments as one line per segment:
// "[start - end] text", both in seconds with millisecond precision.
func renderTranscript(segments []podutil.Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("[%.3f - %.3f] %s", seg.Start, seg.End, strings.TrimSpace(seg.Text)))
	}
	return strings.Join(lines, "\n")
}

// windowSegments splits segments into consecutive groups, each rendering to
// at most windowMaxChars of transcript text.
func windowSegments(segments []podutil.Segment) [][]podutil.Segment {
	if len(segments) == 0 {
		return nil
	}
	var windows [][]podutil.Segment
	var current []podutil.Segment
	size := 0
	for _, seg := range segments {
		lineLen := len(seg.Text) + 24
		if size+lineLen > windowMaxChars && len(current) > 0 {
			windows = append(windows, current)
			current = nil
			size = 0
		}
		current = append(current, seg)
		size += lineLen
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}

// callLLM issues one completion request with systemPrompt and records token
// usage against the classifier's current episode, if any.
func (c *Classifier) callLLM(ctx context.Context, systemPrompt, userPrompt string) (llm.Response, error) {
	req := llm.CompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: userPrompt}},
		Temperature: c.temperature,
		Timeout:     c.timeout,
		JSONMode:    true,
	}
	resp, err := c.client.MessagesCreate(ctx, req)
	if err == nil && c.tracker != nil && c.episodeID != "" {
		c.tracker.Record(c.episodeID, resp.Usage)
	}
	return resp, err
}

// detect runs one windowed classification pass with the given system
// prompt and detection stage label.
func (c *Classifier) detect(ctx context.Context, segments []podutil.Segment, podcastName, episodeTitle string, systemPrompt string, stage domain.DetectionStage) (Result, error) {
	windows := windowSegments(segments)
	if len(windows) == 0 {
		return Result{Status: StatusSuccess}, nil
	}
	systemPrompt = c.systemPromptWithSponsors(systemPrompt)

	var allAds []domain.AdMarker
	var rawResponses []string
	var prompts []string

	for _, window := range windows {
		userPrompt := c.buildUserPrompt(podcastName, episodeTitle, window)
		prompts = append(prompts, userPrompt)

		resp, err := c.callLLM(ctx, systemPrompt, userPrompt)
		if err != nil {
			return Result{Status: StatusFailed, Prompt: strings.Join(prompts, "\n---\n")}, fmt.Errorf("classify: %w", err)
		}

		rawResponses = append(rawResponses, resp.Content)
		ads := ParseAds(resp.Content)
		for i := range ads {
			ads[i].DetectionStage = stage
		}
		allAds = append(allAds, ads...)
	}

	return Result{
		Ads:         allAds,
		RawResponse: strings.Join(rawResponses, "\n---\n"),
		Prompt:      strings.Join(prompts, "\n---\n"),
		Status:      StatusSuccess,
	}, nil
}

// Detect runs first-pass ad detection. description is not itself fed to
// the first-pass prompt; it is consumed by the validator's
// sponsor-confirmation check (internal/validator).
func (c *Classifier) Detect(ctx context.Context, segments []podutil.Segment, podcastName, episodeTitle, description string) (Result, error) {
	return c.detect(ctx, segments, podcastName, episodeTitle, defaultSystemPrompt, domain.StageFirstPass)
}

// DetectBlind runs an independent second read over the same transcript,
// an optional pre-edit fusion input distinct from the authoritative
// post-edit verification pass. The orchestrator does not call it; its
// results can be fused with Detect's via MergeAndDeduplicate.
func (c *Classifier) DetectBlind(ctx context.Context, segments []podutil.Segment, podcastName, episodeTitle string) (Result, error) {
	return c.detect(ctx, segments, podcastName, episodeTitle, blindSystemPrompt, domain.StageFirstPass)
}

// DetectVerification runs detection in verification mode. Implements
// verify.Classifier.
func (c *Classifier) DetectVerification(ctx context.Context, segments []podutil.Segment, podcastName, episodeTitle string) ([]domain.AdMarker, error) {
	result, err := c.detect(ctx, segments, podcastName, episodeTitle, verificationSystemPrompt, domain.StageVerification)
	if err != nil {
		return nil, err
	}
	return result.Ads, nil
}

// --- JSON parsing & sanitization ---

var notASponsorValues = map[string]bool{
	"none": true, "unknown": true, "n/a": true, "na": true,
	"advertisement": true, "ad": true, "sponsor": true, "unclear": true,
	"tbd": true, "various": true, "multiple": true, "unspecified": true,
}

// sponsorFieldPriority is the order in which structured fields are checked
// for a sponsor name before falling back to a regex over the reason field.
var sponsorFieldPriority = []string{"sponsor", "brand", "company", "advertiser", "product"}

var sponsorFromReasonPattern = regexp.MustCompile(
	`(?i)(?:brought to you by|sponsored by|presented by|support(?:ed)? (?:for|by) (?:this (?:show|podcast) )?comes from)\s+([A-Z][\w.&' -]{1,40}?)(?:[.,!]|\s+(?:and|for|who|which)\b|$)`)

// ParseAds extracts ad proposals from raw LLM response text: finds the
// first balanced top-level JSON array, discards objects missing start or
// end, coerces numeric fields that may have arrived as strings, and
// extracts a sponsor name per the priority-list-then-regex rule. Malformed
// or absent JSON returns an empty slice with no error, so a garbled
// response reads as "no ads in this window" rather than a failure.
func ParseAds(response string) []domain.AdMarker {
	arr := extractBalancedArray(response)
	if arr == "" {
		return nil
	}

	raw, err := parseJSONArray(arr)
	if err != nil {
		return nil
	}

	ads := make([]domain.AdMarker, 0, len(raw))
	for _, obj := range raw {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		startVal, hasStart := numericField(m, "start")
		endVal, hasEnd := numericField(m, "end")
		if !hasStart || !hasEnd {
			continue
		}

		confidence, hasConfidence := numericField(m, "confidence")
		if !hasConfidence {
			confidence = 0.7
		}

		reason, _ := m["reason"].(string)
		endText, _ := m["end_text"].(string)

		ads = append(ads, domain.AdMarker{
			Start:      startVal,
			End:        endVal,
			Confidence: confidence,
			Reason:     reason,
			Sponsor:    extractSponsor(m, reason),
			EndText:    endText,
		})
	}
	return ads
}

func numericField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// extractSponsor checks structured fields in priority order, then falls
// back to a regex over reason, rejecting denylisted values either way.
func extractSponsor(m map[string]any, reason string) string {
	for _, field := range sponsorFieldPriority {
		if v, ok := m[field].(string); ok {
			if s := cleanSponsorValue(v); s != "" {
				return s
			}
		}
	}
	if match := sponsorFromReasonPattern.FindStringSubmatch(reason); match != nil {
		if s := cleanSponsorValue(match[1]); s != "" {
			return s
		}
	}
	return ""
}

func cleanSponsorValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if notASponsorValues[strings.ToLower(v)] {
		return ""
	}
	return v
}

// extractBalancedArray scans response for the first top-level JSON array,
// respecting quoted strings and escapes so embedded braces/brackets in
// ad reasons don't throw off bracket counting.
func extractBalancedArray(response string) string {
	start := strings.IndexByte(response, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

func parseJSONArray(s string) ([]any, error) {
	var out []any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Fusion & refinement passes ---

// overlapFraction returns the fraction of the shorter of a/b's durations
// that the two spans overlap.
func overlapFraction(a, b domain.AdMarker) float64 {
	overlapStart := maxF(a.Start, b.Start)
	overlapEnd := minF(a.End, b.End)
	if overlapEnd <= overlapStart {
		return 0
	}
	shorter := minF(a.Duration(), b.Duration())
	if shorter <= 0 {
		return 0
	}
	return (overlapEnd - overlapStart) / shorter
}

// MergeAndDeduplicate unions two sets of ad proposals (e.g. first-pass and
// a blind second read), tagging each with Pass "1", "2", or "merged" when
// overlap is at least 50% of the shorter segment; on a merge, the
// higher-confidence proposal's fields win.
func MergeAndDeduplicate(firstA, firstB []domain.AdMarker) []domain.AdMarker {
	usedB := make([]bool, len(firstB))
	var merged []domain.AdMarker

	for _, a := range firstA {
		a.Pass = "1"
		bestIdx := -1
		bestOverlap := 0.0
		for j, b := range firstB {
			if usedB[j] {
				continue
			}
			if ov := overlapFraction(a, b); ov >= 0.5 && ov > bestOverlap {
				bestOverlap = ov
				bestIdx = j
			}
		}
		if bestIdx >= 0 {
			usedB[bestIdx] = true
			b := firstB[bestIdx]
			winner := a
			if b.Confidence > a.Confidence {
				winner = b
			}
			winner.Pass = "merged"
			merged = append(merged, winner)
			continue
		}
		merged = append(merged, a)
	}

	for j, b := range firstB {
		if usedB[j] {
			continue
		}
		b.Pass = "2"
		merged = append(merged, b)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	return merged
}

// transitionPatterns are the glossary's "transition phrase" family.
var transitionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)brought to you by`),
	regexp.MustCompile(`(?i)this episode is sponsored by`),
	regexp.MustCompile(`(?i)support for this (show|podcast) comes from`),
	regexp.MustCompile(`(?i)today'?s (episode|show) is (brought to (you|us) by|sponsored by)`),
}

// refineBoundariesLookback bounds how far back RefineAdBoundaries will pull
// an ad's start in search of a transition phrase.
const refineBoundariesLookback = 30.0

// RefineAdBoundaries pulls each ad's Start back to the start of the nearest
// segment containing a transition phrase, within a 30s look-back window.
// Must run before MergeSameSponsorAds: refinement anchors each raw ad's
// start independently, and a merged span would anchor against the wrong
// ad's transition phrase.
func RefineAdBoundaries(ads []domain.AdMarker, segments []podutil.Segment) []domain.AdMarker {
	refined := make([]domain.AdMarker, len(ads))
	copy(refined, ads)

	for i, ad := range refined {
		windowStart := ad.Start - refineBoundariesLookback
		var best *podutil.Segment
		for j := range segments {
			seg := segments[j]
			if seg.Start < windowStart || seg.Start > ad.Start {
				continue
			}
			if !matchesAny(transitionPatterns, seg.Text) {
				continue
			}
			if best == nil || seg.Start > best.Start {
				best = &segments[j]
			}
		}
		if best != nil && best.Start < ad.Start {
			refined[i].Start = best.Start
		}
	}
	return refined
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// DefaultMergeSameSponsorGap is the default max gap, in seconds, between
// two same-sponsor ads that still causes them to merge.
const DefaultMergeSameSponsorGap = 120.0

// sponsorKeyword reduces a sponsor name (or, failing that, the reason text)
// to a lowercase comparison key. Returns "" when nothing extractable.
func sponsorKeyword(ad domain.AdMarker) string {
	if ad.Sponsor != "" {
		return strings.ToLower(ad.Sponsor)
	}
	if match := sponsorFromReasonPattern.FindStringSubmatch(ad.Reason); match != nil {
		return strings.ToLower(match[1])
	}
	return ""
}

// MergeSameSponsorAds merges two ads whose extracted sponsor keyword
// matches and whose gap is at most maxGap seconds. The merged ad's
// confidence is the max of its inputs. Ads with no extractable sponsor
// keyword are never merged by this pass.
func MergeSameSponsorAds(ads []domain.AdMarker, segments []podutil.Segment, maxGap float64) []domain.AdMarker {
	if len(ads) < 2 {
		return ads
	}
	if maxGap <= 0 {
		maxGap = DefaultMergeSameSponsorGap
	}

	sorted := make([]domain.AdMarker, len(ads))
	copy(sorted, ads)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []domain.AdMarker{sorted[0]}
	for _, current := range sorted[1:] {
		last := &merged[len(merged)-1]
		lastKeyword := sponsorKeyword(*last)
		currentKeyword := sponsorKeyword(current)

		gap := current.Start - last.End
		if lastKeyword != "" && lastKeyword == currentKeyword && gap >= 0 && gap <= maxGap {
			if current.End > last.End {
				last.End = current.End
			}
			if current.Confidence > last.Confidence {
				last.Confidence = current.Confidence
			}
			if current.Reason != "" && current.Reason != last.Reason {
				last.Reason = last.Reason + " + " + current.Reason
			}
			continue
		}
		merged = append(merged, current)
	}
	return merged
}

// brandKeywordWindow is the look-around, in seconds, ValidateAdTimestamps
// searches for an ad's extractable brand keyword.
const brandKeywordWindow = 5.0

// ValidateAdTimestamps re-anchors an ad whose extractable sponsor keyword
// does not appear within [start-5s, end+5s] of the transcript to the
// nearest segment (within windowStart/windowEnd) where it does appear. Ads
// with no extractable keyword pass through unchanged.
func ValidateAdTimestamps(ads []domain.AdMarker, segments []podutil.Segment, windowStart, windowEnd float64) []domain.AdMarker {
	out := make([]domain.AdMarker, len(ads))
	copy(out, ads)

	for i, ad := range out {
		keyword := sponsorKeyword(ad)
		if keyword == "" {
			continue
		}

		nearbyText := strings.ToLower(podutil.SegmentsText(segments, ad.Start-brandKeywordWindow, ad.End+brandKeywordWindow))
		if strings.Contains(nearbyText, keyword) {
			continue
		}

		var bestSeg *podutil.Segment
		bestDist := -1.0
		for j := range segments {
			seg := segments[j]
			if seg.Start < windowStart || seg.End > windowEnd {
				continue
			}
			if !strings.Contains(strings.ToLower(seg.Text), keyword) {
				continue
			}
			dist := minF(absF(seg.Start-ad.Start), absF(seg.End-ad.End))
			if bestSeg == nil || dist < bestDist {
				bestSeg = &segments[j]
				bestDist = dist
			}
		}
		if bestSeg != nil {
			duration := ad.Duration()
			out[i].Start = bestSeg.Start
			out[i].End = bestSeg.Start + duration
		}
	}
	return out
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
