package task

import (
	"time"

	"ytrim/progress"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusFetching    Status = "fetching"
	StatusTranscoding Status = "transcoding"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// rank orders statuses along the pipeline. All terminal statuses share the
// highest rank so none can follow another.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusResolving:
		return 1
	case StatusFetching:
		return 2
	case StatusTranscoding:
		return 3
	case StatusDone, StatusFailed, StatusCancelled:
		return 4
	}
	return -1
}

// Terminal reports whether no further pipeline activity may follow s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Quality is one entry of the fixed quality/format matrix.
type Quality string

const (
	QualityBest  Quality = "best"
	Quality1080  Quality = "1080"
	Quality720   Quality = "720"
	Quality480   Quality = "480"
	QualityAudio Quality = "audio"
)

// Qualities lists every accepted quality in display order.
var Qualities = []Quality{QualityBest, Quality1080, Quality720, Quality480, QualityAudio}

func (q Quality) Valid() bool {
	for _, v := range Qualities {
		if q == v {
			return true
		}
	}
	return false
}

// Audio reports whether the artifact carries no video stream.
func (q Quality) Audio() bool {
	return q == QualityAudio
}

// Ext is the file extension of the artifact produced for q.
func (q Quality) Ext() string {
	if q.Audio() {
		return "mp3"
	}
	return "mp4"
}

// MIMEType is the content type of the artifact produced for q.
func (q Quality) MIMEType() string {
	if q.Audio() {
		return "audio/mpeg"
	}
	return "video/mp4"
}

// Range is a playback window in seconds relative to the start of the source.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration is the length of the window.
func (r Range) Duration() time.Duration {
	return time.Duration((r.End - r.Start) * float64(time.Second))
}

// Request is what a client submits to create a task.
type Request struct {
	SourceRef  string
	Range      Range
	Quality    Quality
	OutputName string
}

// Artifact describes the finished output of a task.
type Artifact struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeLabel string `json:"sizeLabel"`
	MIMEType  string `json:"mimeType"`
	Ref       string `json:"-"` // Storage reference, local path or object key
}

// Failure is the classified cause recorded on a failed or cancelled task.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

type Task struct {
	ID             string            `json:"id"`
	SourceRef      string            `json:"sourceRef"`
	Range          Range             `json:"range"`
	RequestedRange Range             `json:"requestedRange"`
	Quality        Quality           `json:"quality"`
	OutputName     string            `json:"outputName"`
	Title          string            `json:"title,omitempty"`
	SourceDuration float64           `json:"sourceDuration,omitempty"`
	Status         Status            `json:"status"`
	Progress       progress.Snapshot `json:"progress"`
	Artifact       *Artifact         `json:"artifact,omitempty"`
	Error          *Failure          `json:"error,omitempty"`
	DownloadURL    string            `json:"downloadUrl,omitempty"`
	WorkDir        string            `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	TerminalAt     time.Time         `json:"terminalAt,omitempty"`
}

// Update is what observers of a task receive: the task's status and
// progress at one point in time.
type Update struct {
	TaskID   string            `json:"taskId"`
	Status   Status            `json:"status"`
	Progress progress.Snapshot `json:"progress"`
	Error    *Failure          `json:"error,omitempty"`
	Artifact *Artifact         `json:"artifact,omitempty"`
}

// Seq orders updates of one task.
func (u Update) Seq() uint64 {
	return u.Progress.Sequence
}

// Terminal reports whether u is the last update of its task.
func (u Update) Terminal() bool {
	return u.Status.Terminal()
}

func (t *Task) update() Update {
	c := t.clone()
	return Update{
		TaskID:   c.ID,
		Status:   c.Status,
		Progress: c.Progress,
		Error:    c.Error,
		Artifact: c.Artifact,
	}
}

func (t *Task) clone() Task {
	c := *t
	if t.Artifact != nil {
		a := *t.Artifact
		c.Artifact = &a
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return c
}
