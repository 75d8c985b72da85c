package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraArgs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		args, err := ParseExtraArgs("  ")
		require.NoError(t, err)
		assert.Nil(t, args)
	})

	t.Run("quoted values", func(t *testing.T) {
		args, err := ParseExtraArgs(`--cookies "/etc/ytrim/cookies.txt" --user-agent 'Mozilla/5.0 (X11)'`)
		require.Error(t, err, "parentheses are rejected even when quoted")
		assert.Nil(t, args)

		args, err = ParseExtraArgs(`--cookies "/etc/ytrim/my cookies.txt" --limit-rate 5M`)
		require.NoError(t, err)
		assert.Equal(t, []string{"--cookies", "/etc/ytrim/my cookies.txt", "--limit-rate", "5M"}, args)
	})

	t.Run("unbalanced quotes", func(t *testing.T) {
		_, err := ParseExtraArgs(`--cookies "/tmp/x`)
		assert.Error(t, err)
	})
}

func TestValidateArgs(t *testing.T) {
	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		err := ValidateArgs([]string{"--proxy", "socks5://x;rm"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: socks5://x;rm")
	})

	t.Run("Reserved output option", func(t *testing.T) {
		err := ValidateArgs([]string{"--output=/etc/passwd"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "managed by the service")
	})

	t.Run("Exec is refused", func(t *testing.T) {
		assert.Error(t, ValidateArgs([]string{"--exec", "echo"}))
	})

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, ValidateArgs([]string{"--proxy", "socks5://127.0.0.1:9050"}))
	})
}
