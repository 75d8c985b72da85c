// Package progress normalizes the line-oriented output of the fetch executor
// into canonical snapshots.
package progress

import (
	"fmt"
	"math"
	"strings"
)

// Unknown marks a telemetry label the executor did not report.
const Unknown = "unknown"

// UnknownPercent marks a percent field that could not be parsed. Zero is a
// real value and is never used for this.
const UnknownPercent = -1.0

// Kind tells which line shape produced a snapshot.
type Kind int

const (
	KindDownload Kind = iota
	KindPostProcess
)

// Snapshot is a point-in-time progress record for one task.
type Snapshot struct {
	Phase    string  `json:"phase"`
	Percent  float64 `json:"percent"`
	Rate     string  `json:"rate"`
	ETA      string  `json:"eta"`
	Size     string  `json:"size"`
	Sequence uint64  `json:"sequence"`
	Kind     Kind    `json:"-"`
}

// Initial returns a zeroed snapshot for the start of a stage.
func Initial(phase string) Snapshot {
	return Snapshot{
		Phase:   phase,
		Percent: 0,
		Rate:    Unknown,
		ETA:     Unknown,
		Size:    Unknown,
	}
}

// HasPercent reports whether Percent carries a parsed value.
func (s Snapshot) HasPercent() bool {
	return s.Percent >= 0
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return UnknownPercent
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "na", "n/a", "none":
		return Unknown
	}
	if strings.Contains(strings.ToLower(v), "unknown") {
		return Unknown
	}
	return v
}

// formatETA renders seconds the way yt-dlp does: MM:SS, or HH:MM:SS past an hour.
func formatETA(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return Unknown
	}
	total := int64(math.Round(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
