package podutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegmentsText_IncludesPartialOverlaps(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 10, Text: "intro"},
		{Start: 10, End: 20, Text: "sponsor read"},
		{Start: 20, End: 30, Text: "back to the show"},
	}

	assert.Equal(t, "sponsor read", SegmentsText(segments, 12, 18))
	// Partial overlap on both edges pulls in the neighbors.
	assert.Equal(t, "intro sponsor read back to the show", SegmentsText(segments, 9, 21))
	assert.Equal(t, "", SegmentsText(segments, 100, 200))
}

func TestSegmentsText_SkipsWhitespaceOnly(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 5, Text: "   "},
		{Start: 5, End: 10, Text: "hello"},
	}
	assert.Equal(t, "hello", SegmentsText(segments, 0, 10))
}

func TestFullText(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 5, Text: " one "},
		{Start: 5, End: 10, Text: ""},
		{Start: 10, End: 15, Text: "two"},
	}
	assert.Equal(t, "one two", FullText(segments))
	assert.Equal(t, "", FullText(nil))
}
