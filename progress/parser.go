package progress

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TemplateMarker prefixes the lines produced by the fetch executor's progress
// template so they can be told apart from free-form log output.
const TemplateMarker = "[progress]"

// templateFields is the number of '|' separated fields of a template line:
// percent, speed, eta, total size, downloaded size.
const templateFields = 5

const (
	phaseDownloading = "Downloading"
)

var (
	downloadPercentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	downloadSpeedRe   = regexp.MustCompile(`\bat\s+(\S+/s)`)
	downloadETARe     = regexp.MustCompile(`\bETA\s+(\S+)`)
	downloadSizeRe    = regexp.MustCompile(`\bof\s+~?\s*(\S+)`)

	ffmpegTimeRe  = regexp.MustCompile(`\btime=\s*(\S+)`)
	ffmpegSizeRe  = regexp.MustCompile(`\b(?:L?size)=\s*(\S+)`)
	ffmpegSpeedRe = regexp.MustCompile(`\bspeed=\s*(\S+)`)
)

// postProcessors maps the bracketed log prefix of a post-processing step to
// the phase label shown to observers. Order matters: the first match wins.
var postProcessors = []struct {
	prefix string
	phase  string
}{
	{"[Merger]", "Merging formats"},
	{"[ExtractAudio]", "Extracting audio"},
	{"[VideoConvertor]", "Converting video"},
	{"[VideoRemuxer]", "Remuxing video"},
	{"[ModifyChapters]", "Trimming chapters"},
	{"[Fixup", "Fixing container"},
	{"[ffmpeg]", "Post-processing"},
}

// Parser turns raw executor lines into snapshots. It holds only immutable
// configuration, so a single value may be shared between goroutines.
type Parser struct {
	// ClipDuration is the length of the requested range. It is needed to turn
	// ffmpeg's elapsed "time=" into a percentage; zero leaves percent unknown.
	ClipDuration time.Duration
}

// Parse converts one line into a snapshot. last is the most recent snapshot
// of the same task and is only consulted for post-processing lines, which
// carry no progress of their own. Malformed or partial lines return false.
// The returned snapshot has no sequence number.
func (p Parser) Parse(line string, last Snapshot) (Snapshot, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Snapshot{}, false
	}

	switch {
	case strings.HasPrefix(line, TemplateMarker):
		return parseTemplate(strings.TrimPrefix(line, TemplateMarker))
	case strings.HasPrefix(line, "[download]"):
		return parseDownload(line)
	case strings.HasPrefix(line, "frame=") || strings.HasPrefix(line, "size="):
		return p.parseFFmpegStats(line)
	}

	for _, pp := range postProcessors {
		if strings.HasPrefix(line, pp.prefix) {
			return postProcess(pp.phase, last), true
		}
	}

	// yt-dlp builds that ignore the template marker still print the fields.
	if strings.Count(line, "|") >= templateFields-1 && strings.Contains(line, "%") {
		return parseTemplate(line)
	}
	return Snapshot{}, false
}

func parseTemplate(body string) (Snapshot, bool) {
	parts := strings.Split(strings.TrimSpace(body), "|")
	if len(parts) < templateFields {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Phase:   phaseDownloading,
		Percent: parsePercent(parts[0]),
		Rate:    normalizeLabel(parts[1]),
		ETA:     normalizeLabel(parts[2]),
		Size:    normalizeLabel(parts[3]),
		Kind:    KindDownload,
	}
	if !snap.HasPercent() {
		if v, ok := derivePercent(parts[3], parts[4]); ok {
			snap.Percent = v
		}
	}
	if snap.Size == Unknown {
		snap.Size = normalizeLabel(parts[4])
	}
	return snap, true
}

// derivePercent computes the percent from the total and downloaded size labels
// when the executor left the percent field empty.
func derivePercent(total, downloaded string) (float64, bool) {
	t, err := humanize.ParseBytes(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(total), "~")))
	if err != nil || t == 0 {
		return 0, false
	}
	d, err := humanize.ParseBytes(strings.TrimSpace(downloaded))
	if err != nil {
		return 0, false
	}
	return clampPercent(float64(d) / float64(t) * 100), true
}

func parseDownload(line string) (Snapshot, bool) {
	m := downloadPercentRe.FindStringSubmatch(line)
	if m == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Phase:   phaseDownloading,
		Percent: parsePercent(m[1]),
		Rate:    Unknown,
		ETA:     Unknown,
		Size:    Unknown,
		Kind:    KindDownload,
	}
	if m := downloadSpeedRe.FindStringSubmatch(line); m != nil {
		snap.Rate = normalizeLabel(m[1])
	}
	if m := downloadETARe.FindStringSubmatch(line); m != nil {
		snap.ETA = normalizeLabel(m[1])
	}
	if m := downloadSizeRe.FindStringSubmatch(line); m != nil {
		snap.Size = normalizeLabel(m[1])
	}
	return snap, true
}

func (p Parser) parseFFmpegStats(line string) (Snapshot, bool) {
	m := ffmpegTimeRe.FindStringSubmatch(line)
	if m == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Phase:   phaseDownloading,
		Percent: UnknownPercent,
		Rate:    Unknown,
		ETA:     Unknown,
		Size:    Unknown,
		Kind:    KindDownload,
	}
	if sm := ffmpegSizeRe.FindStringSubmatch(line); sm != nil {
		snap.Size = normalizeLabel(sm[1])
	}

	clip := p.ClipDuration.Seconds()
	elapsed, ok := parseClock(m[1])
	if ok && clip > 0 {
		snap.Percent = clampPercent(elapsed / clip * 100)
	}

	if sm := ffmpegSpeedRe.FindStringSubmatch(line); sm != nil {
		snap.Rate = normalizeLabel(sm[1])
		speed, err := strconv.ParseFloat(strings.TrimSuffix(sm[1], "x"), 64)
		if err == nil && speed > 0 && ok && clip > 0 {
			remaining := clip - elapsed
			if remaining < 0 {
				remaining = 0
			}
			snap.ETA = formatETA(remaining / speed)
		}
	}
	return snap, true
}

func postProcess(phase string, last Snapshot) Snapshot {
	percent := last.Percent
	if !last.HasPercent() {
		percent = UnknownPercent
	}
	size := last.Size
	if size == "" {
		size = Unknown
	}
	return Snapshot{
		Phase:   phase,
		Percent: percent,
		Rate:    Unknown,
		ETA:     Unknown,
		Size:    size,
		Kind:    KindPostProcess,
	}
}

func parsePercent(raw string) float64 {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return UnknownPercent
	}
	return clampPercent(v)
}

// parseClock parses ffmpeg's HH:MM:SS.ss elapsed time.
func parseClock(raw string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, false
	}
	m, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, false
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || s < 0 {
		return 0, false
	}
	return float64(h)*3600 + float64(m)*60 + s, true
}
