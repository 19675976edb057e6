package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscrub/internal/domain"
	"podscrub/internal/llm"
	"podscrub/internal/podutil"
)

type fakeLLMClient struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeLLMClient) MessagesCreate(ctx context.Context, req llm.CompletionRequest) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return llm.Response{
		Content: f.responses[idx],
		Model:   req.Model,
		Usage:   &llm.Usage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (f *fakeLLMClient) ListModels(ctx context.Context) []llm.Model { return nil }
func (f *fakeLLMClient) ProviderName() string                      { return "fake" }

func TestParseAds_ValidArray(t *testing.T) {
	response := `Here is my answer:
[{"start": 10.5, "end": 40.25, "confidence": 0.9, "reason": "brought to you by Acme Corp", "sponsor": "Acme Corp"}]
Hope that helps!`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Equal(t, 10.5, ads[0].Start)
	assert.Equal(t, 40.25, ads[0].End)
	assert.Equal(t, 0.9, ads[0].Confidence)
	assert.Equal(t, "Acme Corp", ads[0].Sponsor)
}

func TestParseAds_MalformedJSONReturnsEmpty(t *testing.T) {
	ads := ParseAds("I could not find any ads in this transcript.")
	assert.Empty(t, ads)
}

func TestParseAds_DropsEntriesMissingStartOrEnd(t *testing.T) {
	response := `[{"start": 5, "confidence": 0.5}, {"start": 1, "end": 2, "confidence": 0.8}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Equal(t, 1.0, ads[0].Start)
}

func TestParseAds_CoercesStringNumerics(t *testing.T) {
	response := `[{"start": "12.5", "end": "30", "confidence": "0.75"}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Equal(t, 12.5, ads[0].Start)
	assert.Equal(t, 30.0, ads[0].End)
	assert.Equal(t, 0.75, ads[0].Confidence)
}

func TestParseAds_DefaultsMissingConfidence(t *testing.T) {
	response := `[{"start": 1, "end": 2}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Equal(t, 0.7, ads[0].Confidence)
}

func TestParseAds_NestedBracketsDoNotConfuseExtraction(t *testing.T) {
	response := `[{"start": 1, "end": 2, "reason": "mentions [bracketed] text", "confidence": 0.6}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Contains(t, ads[0].Reason, "bracketed")
}

func TestExtractSponsor_RegexFallback(t *testing.T) {
	response := `[{"start": 1, "end": 2, "confidence": 0.8, "reason": "This segment is brought to you by Acme Corp and their new widget."}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Equal(t, "Acme Corp", ads[0].Sponsor)
}

func TestExtractSponsor_DenylistedValuesRejected(t *testing.T) {
	response := `[{"start": 1, "end": 2, "confidence": 0.8, "sponsor": "none", "reason": "unclear promotional content"}]`
	ads := ParseAds(response)
	require.Len(t, ads, 1)
	assert.Empty(t, ads[0].Sponsor)
}

func TestMergeAndDeduplicate_OverlapMerges(t *testing.T) {
	a := []domain.AdMarker{{Start: 10, End: 40, Confidence: 0.6}}
	b := []domain.AdMarker{{Start: 12, End: 42, Confidence: 0.9}}
	merged := MergeAndDeduplicate(a, b)
	require.Len(t, merged, 1)
	assert.Equal(t, "merged", merged[0].Pass)
	assert.Equal(t, 0.9, merged[0].Confidence)
}

func TestMergeAndDeduplicate_NoOverlapKeepsBoth(t *testing.T) {
	a := []domain.AdMarker{{Start: 10, End: 20, Confidence: 0.6}}
	b := []domain.AdMarker{{Start: 500, End: 520, Confidence: 0.9}}
	merged := MergeAndDeduplicate(a, b)
	require.Len(t, merged, 2)
	assert.Equal(t, "1", merged[0].Pass)
	assert.Equal(t, "2", merged[1].Pass)
}

func TestRefineAdBoundaries_PullsStartToTransitionPhrase(t *testing.T) {
	segments := []podutil.Segment{
		{Start: 90, End: 95, Text: "anyway, let's get into it"},
		{Start: 95, End: 100, Text: "this episode is brought to you by Acme"},
		{Start: 100, End: 110, Text: "Acme makes the best widgets"},
	}
	ads := []domain.AdMarker{{Start: 100, End: 130, Confidence: 0.8}}
	refined := RefineAdBoundaries(ads, segments)
	require.Len(t, refined, 1)
	assert.Equal(t, 95.0, refined[0].Start)
}

func TestRefineAdBoundaries_NoTransitionPhraseLeavesUnchanged(t *testing.T) {
	segments := []podutil.Segment{
		{Start: 90, End: 100, Text: "just regular conversation here"},
	}
	ads := []domain.AdMarker{{Start: 100, End: 130, Confidence: 0.8}}
	refined := RefineAdBoundaries(ads, segments)
	assert.Equal(t, 100.0, refined[0].Start)
}

func TestMergeSameSponsorAds_MergesWithinGap(t *testing.T) {
	ads := []domain.AdMarker{
		{Start: 10, End: 40, Confidence: 0.6, Sponsor: "Acme"},
		{Start: 45, End: 70, Confidence: 0.9, Sponsor: "Acme"},
	}
	merged := MergeSameSponsorAds(ads, nil, 30)
	require.Len(t, merged, 1)
	assert.Equal(t, 10.0, merged[0].Start)
	assert.Equal(t, 70.0, merged[0].End)
	assert.Equal(t, 0.9, merged[0].Confidence)
}

func TestMergeSameSponsorAds_DifferentSponsorsNotMerged(t *testing.T) {
	ads := []domain.AdMarker{
		{Start: 10, End: 40, Confidence: 0.6, Sponsor: "Acme"},
		{Start: 45, End: 70, Confidence: 0.9, Sponsor: "Widgetco"},
	}
	merged := MergeSameSponsorAds(ads, nil, 30)
	assert.Len(t, merged, 2)
}

func TestMergeSameSponsorAds_GapTooLargeNotMerged(t *testing.T) {
	ads := []domain.AdMarker{
		{Start: 10, End: 40, Confidence: 0.6, Sponsor: "Acme"},
		{Start: 500, End: 520, Confidence: 0.9, Sponsor: "Acme"},
	}
	merged := MergeSameSponsorAds(ads, nil, 30)
	assert.Len(t, merged, 2)
}

func TestValidateAdTimestamps_ReAnchorsWhenKeywordMissing(t *testing.T) {
	segments := []podutil.Segment{
		{Start: 0, End: 10, Text: "welcome to the show"},
		{Start: 200, End: 210, Text: "acme corp is our sponsor today"},
	}
	ads := []domain.AdMarker{{Start: 10, End: 20, Sponsor: "Acme Corp"}}
	validated := ValidateAdTimestamps(ads, segments, 0, 300)
	require.Len(t, validated, 1)
	assert.Equal(t, 200.0, validated[0].Start)
}

func TestValidateAdTimestamps_LeavesUnchangedWhenKeywordNearby(t *testing.T) {
	segments := []podutil.Segment{
		{Start: 8, End: 22, Text: "acme corp presents this segment"},
	}
	ads := []domain.AdMarker{{Start: 10, End: 20, Sponsor: "Acme Corp"}}
	validated := ValidateAdTimestamps(ads, segments, 0, 300)
	require.Len(t, validated, 1)
	assert.Equal(t, 10.0, validated[0].Start)
}

func TestDetect_ReturnsParsedAdsAndRecordsUsage(t *testing.T) {
	client := &fakeLLMClient{responses: []string{`[{"start": 1, "end": 20, "confidence": 0.8, "reason": "ad"}]`}}
	tracker := llm.NewTokenTracker()
	tracker.StartEpisode("ep1")
	c := New(client, tracker, "test-model").ForEpisode("ep1")

	segments := []podutil.Segment{{Start: 0, End: 30, Text: "some content"}}
	result, err := c.Detect(context.Background(), segments, "My Pod", "Ep 1", "")
	require.NoError(t, err)
	require.Len(t, result.Ads, 1)
	assert.Equal(t, domain.StageFirstPass, result.Ads[0].DetectionStage)

	totals := tracker.Totals("ep1")
	assert.Equal(t, 100, totals.InputTokens)
	assert.Equal(t, 50, totals.OutputTokens)
}

func TestDetectVerification_SatisfiesVerifyClassifierShape(t *testing.T) {
	client := &fakeLLMClient{responses: []string{`[]`}}
	c := New(client, nil, "test-model")

	segments := []podutil.Segment{{Start: 0, End: 10, Text: "clean content"}}
	ads, err := c.DetectVerification(context.Background(), segments, "My Pod", "Ep 1")
	require.NoError(t, err)
	assert.Empty(t, ads)
}

func TestWindowSegments_SplitsLongTranscripts(t *testing.T) {
	var segments []podutil.Segment
	longText := make([]byte, 1000)
	for i := range longText {
		longText[i] = 'a'
	}
	for i := 0; i < 20; i++ {
		segments = append(segments, podutil.Segment{Start: float64(i), End: float64(i + 1), Text: string(longText)})
	}
	windows := windowSegments(segments)
	assert.Greater(t, len(windows), 1)
}
