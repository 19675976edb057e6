package podutil

import "strings"

// Segment is a single timestamped transcript line. Segments are ordered by
// Start and never overlap once they come out of the transcription adapter.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// SegmentsText returns the space-joined text of every segment overlapping
// [start, end]. Partial overlaps are included by default, matching the
// behavior the validator and classifier rely on when checking whether a
// sponsor name appears "in range".
func SegmentsText(segments []Segment, start, end float64) string {
	var parts []string
	for _, seg := range segments {
		if seg.End > start && seg.Start < end {
			text := strings.TrimSpace(seg.Text)
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

// FullText concatenates every non-blank segment's trimmed text in order,
// space-joined, with no timestamps.
func FullText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
