package podutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp_AcceptedFormats(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"90", 90},
		{"90.5", 90.5},
		{"90.5s", 90.5},
		{"90,5", 90.5},
		{"1:30", 90},
		{"1:30.250", 90.25},
		{"01:02:03", 3723},
		{"1:02:03.5", 3723.5},
		{"  45  ", 45},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, "input %q", tc.in)
	}
}

func TestParseTimestamp_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "1:2:3:4", "12:xx", "--5"} {
		_, err := ParseTimestamp(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "1:30.00", FormatTime(90, false))
	assert.Equal(t, "1:01:05.50", FormatTime(3665.5, false))
	assert.Equal(t, "0:00:45.00", FormatTime(45, true))
	assert.Equal(t, "0:00.00", FormatTime(-3, false))
}

func TestFormatVTTTimestamp(t *testing.T) {
	assert.Equal(t, "00:01:30.000", FormatVTTTimestamp(90))
	assert.Equal(t, "01:01:05.500", FormatVTTTimestamp(3665.5))
	assert.Equal(t, "00:00:00.000", FormatVTTTimestamp(-1))
}

func TestAdjustTimestamp_IdentityWithNoCuts(t *testing.T) {
	assert.Equal(t, 123.4, AdjustTimestamp(123.4, nil))
}

func TestAdjustTimestamp_SubtractsRemovedSpans(t *testing.T) {
	removed := []TimeSpan{{Start: 30, End: 90}, {Start: 200, End: 260}}

	assert.Equal(t, 20.0, AdjustTimestamp(20, removed))
	assert.Equal(t, 40.0, AdjustTimestamp(100, removed))
	assert.Equal(t, 240.0, AdjustTimestamp(360, removed))
	// A time inside a removed span collapses to the span's start.
	assert.Equal(t, 30.0, AdjustTimestamp(50, removed))
}

func TestAdjustTimestamp_UnsortedInputHandled(t *testing.T) {
	removed := []TimeSpan{{Start: 200, End: 260}, {Start: 30, End: 90}}
	assert.Equal(t, 40.0, AdjustTimestamp(100, removed))
}

func TestAdjustTimestamp_MonotoneNonDecreasing(t *testing.T) {
	removed := []TimeSpan{{Start: 50, End: 80}, {Start: 120, End: 130}, {Start: 300, End: 420}}
	prev := -1.0
	for tOrig := 0.0; tOrig <= 500; tOrig += 0.5 {
		adjusted := AdjustTimestamp(tOrig, removed)
		require.GreaterOrEqual(t, adjusted, prev, "t=%v", tOrig)
		prev = adjusted
	}
}

func TestFirstNotNone(t *testing.T) {
	zero := 0.0
	five := 5.0
	assert.Nil(t, FirstNotNone(nil, nil))
	assert.Equal(t, &zero, FirstNotNone(nil, &zero, &five))
}

func TestGetAudioDuration_CachesByMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "episode.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	probes := 0
	probe := func(string) (float64, error) {
		probes++
		return 300, nil
	}

	got, err := GetAudioDuration(path, probe)
	require.NoError(t, err)
	assert.Equal(t, 300.0, got)

	_, err = GetAudioDuration(path, probe)
	require.NoError(t, err)
	assert.Equal(t, 1, probes, "second probe of an unmodified file must be served from cache")

	// Touching the file invalidates the cached entry.
	require.NoError(t, os.WriteFile(path, []byte("audio v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = GetAudioDuration(path, probe)
	require.NoError(t, err)
	assert.Equal(t, 2, probes)
}

func TestGetAudioDuration_MissingFile(t *testing.T) {
	_, err := GetAudioDuration(filepath.Join(t.TempDir(), "absent.mp3"), func(string) (float64, error) {
		t.Fatal("probe must not run for a missing file")
		return 0, nil
	})
	assert.Error(t, err)
}
