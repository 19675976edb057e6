// Package audioedit is the audio-edit adapter: it cuts advertisement
// ranges out of an episode's audio and splices in a fixed "ad replaced"
// marker tone with fade crossfades, then re-encodes to the target bitrate.
// ffmpeg and ffprobe are driven as external binaries.
package audioedit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"podscrub/internal/podutil"
)

// Cut is a half-open range [Start, End) of audio to remove, in seconds.
type Cut struct {
	Start float64
	End   float64
}

// Duration returns the length of the cut in seconds.
func (c Cut) Duration() float64 { return c.End - c.Start }

const (
	coalesceGapSeconds  = 1.0
	minCutSeconds       = 10.0
	contentFadeOut      = 0.5
	contentFadeIn       = 0.8
	markerFade          = 0.5
	endOfEpisodeTailMin = 30.0
)

// ffprobeDuration shells out to ffprobe to measure a file's duration in
// seconds. Assigned to a var so tests can stub it.
var ffprobeDuration = func(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration for %s: %w", path, err)
	}
	return seconds, nil
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	return podutil.GetAudioDuration(path, func(p string) (float64, error) {
		return ffprobeDuration(ctx, p)
	})
}

// ProbeDuration exposes the cut-and-splice adapter's duration probe for
// callers (the orchestrator) that need an episode's current duration
// outside of a splice call, e.g. to measure the downloaded original before
// editing.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	return probeDuration(ctx, path)
}

// sortAndCoalesce sorts cuts by start time and merges adjacent cuts whose
// gap is under coalesceGapSeconds.
func sortAndCoalesce(cuts []Cut) []Cut {
	if len(cuts) == 0 {
		return nil
	}
	sorted := make([]Cut, len(cuts))
	copy(sorted, cuts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []Cut{sorted[0]}
	for _, c := range sorted[1:] {
		last := &merged[len(merged)-1]
		if c.Start-last.End < coalesceGapSeconds {
			if c.End > last.End {
				last.End = c.End
			}
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// dropShortCuts removes cuts shorter than minCutSeconds, logging each drop.
func dropShortCuts(cuts []Cut) []Cut {
	kept := make([]Cut, 0, len(cuts))
	for _, c := range cuts {
		if c.Duration() < minCutSeconds {
			slog.Info("dropping short cut below false-positive floor", "start", c.Start, "end", c.End, "duration", c.Duration())
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

type segment struct {
	start, end float64
	fadeIn     bool
	fadeOut    bool
}

// buildSegments derives the content segments between cuts, applying the
// leading/trailing fade rules, and reports whether the final tail should
// be trimmed (end-of-episode trim).
func buildSegments(total float64, cuts []Cut) (segs []segment, trimTail bool) {
	cursor := 0.0
	for i, c := range cuts {
		segs = append(segs, segment{
			start:   cursor,
			end:     c.Start,
			fadeIn:  i > 0,
			fadeOut: true,
		})
		cursor = c.End
	}

	tailDuration := total - cursor
	if tailDuration < endOfEpisodeTailMin {
		trimTail = true
		return segs, trimTail
	}
	segs = append(segs, segment{
		start:   cursor,
		end:     total,
		fadeIn:  len(cuts) > 0,
		fadeOut: false,
	})
	return segs, trimTail
}

// CutAndSplice removes cuts from inputPath, splicing in replaceMarkerPath at
// each cut, and writes the re-encoded result to outputPath at bitrate. It
// returns false (with output_path left untouched) if re-encoding fails.
func CutAndSplice(ctx context.Context, inputPath string, cuts []Cut, outputPath, replaceMarkerPath, bitrate string) (bool, error) {
	merged := sortAndCoalesce(cuts)
	kept := dropShortCuts(merged)

	total, err := probeDuration(ctx, inputPath)
	if err != nil {
		return false, fmt.Errorf("probe input duration: %w", err)
	}

	tmpOut := outputPath + ".tmp"
	defer os.Remove(tmpOut)

	var cmd *exec.Cmd
	if len(kept) == 0 {
		cmd = exec.CommandContext(ctx, "ffmpeg",
			"-y", "-i", inputPath,
			"-b:a", bitrate,
			tmpOut,
		)
	} else {
		markerDuration, err := probeDuration(ctx, replaceMarkerPath)
		if err != nil {
			return false, fmt.Errorf("probe marker duration: %w", err)
		}
		segs, trimTail := buildSegments(total, kept)
		if trimTail {
			slog.Info("trimming short episode tail, marker will end the file", "input", inputPath)
		}
		filter, mapLabel := buildFilterGraph(segs, kept, markerDuration)

		args := []string{"-y", "-i", inputPath, "-i", replaceMarkerPath,
			"-filter_complex", filter,
			"-map", mapLabel,
			"-b:a", bitrate,
			tmpOut,
		}
		cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("ffmpeg re-encode failed", "error", err, "output", string(out))
		return false, nil
	}

	if err := os.Rename(tmpOut, outputPath); err != nil {
		return false, fmt.Errorf("finalize %s: %w", outputPath, err)
	}
	slog.Info("spliced episode audio", "cuts", len(kept), "input", inputPath, "output", outputPath)
	return true, nil
}

// buildFilterGraph assembles an ffmpeg filter_complex graph that trims each
// content segment (with fades), mixes in the marker clip
// at 40% volume with its own fades between segments, and concatenates the
// result. Returns the filter string and the output label to map.
func buildFilterGraph(segs []segment, cuts []Cut, markerDuration float64) (filter, outLabel string) {
	var b strings.Builder
	var labels []string

	markerFadeOutStart := markerDuration - markerFade
	if markerFadeOutStart < 0 {
		markerFadeOutStart = 0
	}

	for i, s := range segs {
		label := fmt.Sprintf("seg%d", i)
		duration := s.end - s.start
		fadeBudget := 0.0
		if s.fadeIn {
			fadeBudget += contentFadeIn
		}
		if s.fadeOut {
			fadeBudget += contentFadeOut
		}
		// A segment at or below its combined fade lengths gets a plain trim
		// instead of a partial fade.
		withFades := duration > fadeBudget
		fmt.Fprintf(&b, "[0:a]atrim=start=%.3f:end=%.3f,asetpts=PTS-STARTPTS", s.start, s.end)
		if withFades && s.fadeIn {
			fmt.Fprintf(&b, ",afade=t=in:st=0:d=%.2f", contentFadeIn)
		}
		if withFades && s.fadeOut {
			fmt.Fprintf(&b, ",afade=t=out:st=%.3f:d=%.2f", duration-contentFadeOut, contentFadeOut)
		}
		fmt.Fprintf(&b, "[%s];", label)
		labels = append(labels, label)

		if i < len(cuts) {
			markerLabel := fmt.Sprintf("marker%d", i)
			fmt.Fprintf(&b, "[1:a]volume=0.4,asetpts=PTS-STARTPTS,afade=t=in:st=0:d=%.2f,afade=t=out:st=%.3f:d=%.2f[%s];",
				markerFade, markerFadeOutStart, markerFade, markerLabel)
			labels = append(labels, markerLabel)
		}
	}

	fmt.Fprintf(&b, "%sconcat=n=%d:v=0:a=1[out]", joinLabels(labels), len(labels))
	return b.String(), "[out]"
}

func joinLabels(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&b, "[%s]", l)
	}
	return b.String()
}
