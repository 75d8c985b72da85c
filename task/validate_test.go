package task

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my clip", "my clip"},
		{`a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"", "trimmed_video"},
		{"   ", "trimmed_video"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"line\nbreak", "line_break"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}

	long := SanitizeName(strings.Repeat("é", 150))
	assert.Equal(t, 100, len([]rune(long)))
}

func TestValidateRequest(t *testing.T) {
	hosts := []string{"youtube.com", "youtu.be"}

	t.Run("normalizes a valid request", func(t *testing.T) {
		req, err := validateRequest(Request{
			SourceRef: "  youtu.be/dQw4w9WgXcQ ",
			Range:     Range{Start: 0, End: 0.5},
		}, hosts)
		require.NoError(t, err)
		assert.Equal(t, "youtu.be/dQw4w9WgXcQ", req.SourceRef)
		assert.Equal(t, QualityBest, req.Quality)
		assert.Equal(t, "trimmed_video", req.OutputName)
	})

	t.Run("accepts subdomains of allowed hosts", func(t *testing.T) {
		_, err := validateRequest(Request{
			SourceRef: "https://m.youtube.com/watch?v=x",
			Range:     Range{Start: 5, End: 10},
			Quality:   QualityAudio,
		}, hosts)
		assert.NoError(t, err)
	})

	bad := map[string]Request{
		"equal bounds":     {SourceRef: "https://youtube.com/watch?v=x", Range: Range{Start: 5, End: 5}},
		"nan bound":        {SourceRef: "https://youtube.com/watch?v=x", Range: Range{Start: math.NaN(), End: 5}},
		"infinite bound":   {SourceRef: "https://youtube.com/watch?v=x", Range: Range{Start: 0, End: math.Inf(1)}},
		"ftp scheme":       {SourceRef: "ftp://youtube.com/x", Range: Range{Start: 0, End: 5}},
		"lookalike host":   {SourceRef: "https://notyoutube.com/watch?v=x", Range: Range{Start: 0, End: 5}},
		"oversized source": {SourceRef: "https://youtube.com/" + strings.Repeat("a", 3000), Range: Range{Start: 0, End: 5}},
	}
	for name, req := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := validateRequest(req, hosts)
			require.Error(t, err)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindTimeout, assert.AnError)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, ErrTimeout.Message, err.Message)
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}
