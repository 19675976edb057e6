// Package podutil holds timestamp, text, and audio-duration helpers shared
// across the transcription, classification, validation, and verification
// stages.
package podutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ParseTimestamp converts a timestamp value to seconds. It accepts bare
// numbers, a trailing "s" suffix, H:MM:SS[.mmm], MM:SS[.mmm], M:SS, and a
// comma decimal separator (common in VTT files exported from some tools).
func ParseTimestamp(ts string) (float64, error) {
	raw := ts
	ts = strings.TrimSpace(ts)
	ts = strings.TrimSuffix(ts, "s")
	ts = strings.TrimSpace(ts)
	ts = strings.ReplaceAll(ts, ",", ".")

	if ts == "" {
		return 0, fmt.Errorf("cannot parse timestamp: %q", raw)
	}

	if v, err := strconv.ParseFloat(ts, 64); err == nil {
		return v, nil
	}

	parts := strings.Split(ts, ":")
	switch len(parts) {
	case 3:
		hours, err1 := strconv.Atoi(parts[0])
		minutes, err2 := strconv.Atoi(parts[1])
		seconds, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 == nil && err2 == nil && err3 == nil {
			return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
		}
	case 2:
		minutes, err1 := strconv.Atoi(parts[0])
		seconds, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil {
			return float64(minutes)*60 + seconds, nil
		}
	}

	return 0, fmt.Errorf("cannot parse timestamp: %q", raw)
}

// FormatTime renders seconds as a human-readable H:MM:SS.ss or M:SS.ss
// string, matching the display format used by the chapters/VTT consumer.
func FormatTime(seconds float64, includeHours bool) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := seconds - float64(hours*3600+minutes*60)

	if hours > 0 || includeHours {
		return fmt.Sprintf("%d:%02d:%05.2f", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%05.2f", minutes, secs)
}

// FormatVTTTimestamp renders seconds as HH:MM:SS.mmm, the format chapter/VTT
// consumers expect.
func FormatVTTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := seconds - float64(hours*3600+minutes*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, secs)
}

// TimeSpan is a half-open [Start, End) interval in seconds.
type TimeSpan struct {
	Start float64
	End   float64
}

// AdjustTimestamp maps an original-audio timestamp forward across a set of
// already-removed spans, subtracting their durations. Unlike the
// verification pass's original-time remapping (internal/verify), this walks
// forward from original time and is used for live progress display while
// only pass-1 cuts exist.
func AdjustTimestamp(originalTime float64, removed []TimeSpan) float64 {
	if len(removed) == 0 {
		return originalTime
	}

	sorted := make([]TimeSpan, len(removed))
	copy(sorted, removed)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	adjustment := 0.0
	for _, span := range sorted {
		switch {
		case span.End <= originalTime:
			adjustment += span.End - span.Start
		case span.Start < originalTime && originalTime < span.End:
			adjustment += originalTime - span.Start
			return max0(originalTime - adjustment)
		default:
			return max0(originalTime - adjustment)
		}
	}
	return max0(originalTime - adjustment)
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// FirstNotNone returns the first pointer that is non-nil, preserving zero
// values (0.0 is a valid pre-roll position and must not be treated as
// absent).
func FirstNotNone(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// durationCacheEntry pairs a probed duration with the file mtime it was
// computed from, so a later probe against an unmodified file is free.
type durationCacheEntry struct {
	modTimeNano int64
	seconds     float64
}

var (
	durationCacheMu sync.Mutex
	durationCache   = map[string]durationCacheEntry{}
)

// DurationProbe probes audio duration for a given path, keyed by
// (path, mtime) so repeated probes of the same unmodified file are cached.
type DurationProbe func(path string) (float64, error)

// GetAudioDuration returns the duration in seconds of the file at path,
// using probe to do the actual measurement and caching the result against
// the file's mtime.
func GetAudioDuration(path string, probe DurationProbe) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	mtime := info.ModTime().UnixNano()

	durationCacheMu.Lock()
	if entry, ok := durationCache[path]; ok && entry.modTimeNano == mtime {
		durationCacheMu.Unlock()
		return entry.seconds, nil
	}
	durationCacheMu.Unlock()

	seconds, err := probe(path)
	if err != nil {
		return 0, err
	}

	durationCacheMu.Lock()
	durationCache[path] = durationCacheEntry{modTimeNano: mtime, seconds: seconds}
	durationCacheMu.Unlock()

	return seconds, nil
}
