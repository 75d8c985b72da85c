package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_TemplateLines(t *testing.T) {
	p := Parser{}

	t.Run("full template line", func(t *testing.T) {
		snap, ok := p.Parse("[progress]  45.3%|  1.23MiB/s|00:12|10.00MiB|4.53MiB", Snapshot{})
		require.True(t, ok)
		assert.Equal(t, "Downloading", snap.Phase)
		assert.InDelta(t, 45.3, snap.Percent, 0.001)
		assert.Equal(t, "1.23MiB/s", snap.Rate)
		assert.Equal(t, "00:12", snap.ETA)
		assert.Equal(t, "10.00MiB", snap.Size)
		assert.Equal(t, KindDownload, snap.Kind)
		assert.Zero(t, snap.Sequence)
	})

	t.Run("missing fields map to unknown, not zero", func(t *testing.T) {
		snap, ok := p.Parse("[progress]   NA|NA|Unknown|N/A|NA", Snapshot{})
		require.True(t, ok)
		assert.Equal(t, UnknownPercent, snap.Percent)
		assert.False(t, snap.HasPercent())
		assert.Equal(t, Unknown, snap.Rate)
		assert.Equal(t, Unknown, snap.ETA)
		assert.Equal(t, Unknown, snap.Size)
	})

	t.Run("zero percent stays zero", func(t *testing.T) {
		snap, ok := p.Parse("[progress]   0.0%|Unknown B/s|Unknown|N/A|1.00KiB", Snapshot{})
		require.True(t, ok)
		assert.True(t, snap.HasPercent())
		assert.Equal(t, 0.0, snap.Percent)
		assert.Equal(t, Unknown, snap.Rate)
		assert.Equal(t, "1.00KiB", snap.Size, "downloaded size is used when total is unknown")
	})

	t.Run("percent is clamped", func(t *testing.T) {
		snap, ok := p.Parse("[progress] 140%|1MiB/s|00:00|1MiB|1MiB", Snapshot{})
		require.True(t, ok)
		assert.Equal(t, 100.0, snap.Percent)

		snap, ok = p.Parse("[progress] -3%|1MiB/s|00:00|1MiB|1MiB", Snapshot{})
		require.True(t, ok)
		assert.Equal(t, 0.0, snap.Percent)
	})

	t.Run("percent derived from byte counts", func(t *testing.T) {
		snap, ok := p.Parse("[progress]   NA|1.00MiB/s|00:05|~10.00MiB|2.50MiB", Snapshot{})
		require.True(t, ok)
		assert.InDelta(t, 25.0, snap.Percent, 0.001)
		assert.Equal(t, "~10.00MiB", snap.Size)
	})

	t.Run("unmarked template line", func(t *testing.T) {
		snap, ok := p.Parse(" 12.0%|2.00MiB/s|00:30|50.00MiB|6.00MiB", Snapshot{})
		require.True(t, ok)
		assert.InDelta(t, 12.0, snap.Percent, 0.001)
	})

	t.Run("line split mid-record is discarded", func(t *testing.T) {
		_, ok := p.Parse("[progress]  45.3%|  1.23MiB/s", Snapshot{})
		assert.False(t, ok)
	})
}

func TestParser_DownloadLines(t *testing.T) {
	p := Parser{}

	snap, ok := p.Parse("[download]  42.0% of ~ 10.00MiB at    1.00MiB/s ETA 00:05 (frag 3/10)", Snapshot{})
	require.True(t, ok)
	assert.InDelta(t, 42.0, snap.Percent, 0.001)
	assert.Equal(t, "10.00MiB", snap.Size)
	assert.Equal(t, "1.00MiB/s", snap.Rate)
	assert.Equal(t, "00:05", snap.ETA)

	snap, ok = p.Parse("[download] 100% of   10.00MiB in 00:00:03 at 3.20MiB/s", Snapshot{})
	require.True(t, ok)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, Unknown, snap.ETA)

	snap, ok = p.Parse("[download]   3.1% of 20.00MiB at Unknown B/s ETA Unknown", Snapshot{})
	require.True(t, ok)
	assert.Equal(t, Unknown, snap.Rate)
	assert.Equal(t, Unknown, snap.ETA)

	_, ok = p.Parse("[download] Destination: /tmp/x/clip.mp4", Snapshot{})
	assert.False(t, ok)
}

func TestParser_FFmpegStats(t *testing.T) {
	p := Parser{ClipDuration: 30 * time.Second}

	snap, ok := p.Parse("frame=  240 fps= 60 q=-1.0 size=    1024kB time=00:00:15.00 bitrate=1048.6kbits/s speed=2.00x", Snapshot{})
	require.True(t, ok)
	assert.InDelta(t, 50.0, snap.Percent, 0.001)
	assert.Equal(t, "1024kB", snap.Size)
	assert.Equal(t, "2.00x", snap.Rate)
	assert.Equal(t, "00:08", snap.ETA)

	snap, ok = p.Parse("size=N/A time=N/A bitrate=N/A speed=N/A", Snapshot{})
	require.True(t, ok)
	assert.Equal(t, UnknownPercent, snap.Percent)
	assert.Equal(t, Unknown, snap.Size)
	assert.Equal(t, Unknown, snap.Rate)

	unbounded := Parser{}
	snap, ok = unbounded.Parse("frame=1 size=1kB time=00:00:01.00 speed=1x", Snapshot{})
	require.True(t, ok)
	assert.False(t, snap.HasPercent())
}

func TestParser_PostProcessing(t *testing.T) {
	p := Parser{}
	last := Snapshot{Phase: "Downloading", Percent: 87.5, Rate: "1MiB/s", ETA: "00:01", Size: "12MiB", Sequence: 9}

	cases := map[string]string{
		`[Merger] Merging formats into "/tmp/a/clip.mp4"`:    "Merging formats",
		"[ExtractAudio] Destination: /tmp/a/clip.mp3":         "Extracting audio",
		"[ffmpeg] Fixing MPEG-TS in MP4 container":            "Post-processing",
		"[FixupM3u8] Fixing MPEG-TS in MP4 container of x":    "Fixing container",
		"[VideoConvertor] Converting video from webm to mp4": "Converting video",
	}
	for line, phase := range cases {
		snap, ok := p.Parse(line, last)
		require.True(t, ok, line)
		assert.Equal(t, phase, snap.Phase)
		assert.Equal(t, 87.5, snap.Percent, "percent is held at the last fetch percent")
		assert.Equal(t, "12MiB", snap.Size)
		assert.Equal(t, Unknown, snap.Rate)
		assert.Equal(t, KindPostProcess, snap.Kind)
	}
}

func TestParser_IgnoresNoise(t *testing.T) {
	p := Parser{}
	for _, line := range []string{
		"",
		"   ",
		"[youtube] dQw4w9WgXcQ: Downloading webpage",
		"[info] Downloading 1 format(s): 137+140",
		"WARNING: something",
		"ERROR: [youtube] x: Video unavailable",
		"garbage|with|pipes",
	} {
		_, ok := p.Parse(line, Snapshot{})
		assert.False(t, ok, line)
	}
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "00:05", formatETA(5))
	assert.Equal(t, "01:05", formatETA(65))
	assert.Equal(t, "01:00:01", formatETA(3601))
	assert.Equal(t, Unknown, formatETA(-1))
}
