package fetch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sublingo/sublingo-api/errors"
)

func TestClassify(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	for _, tc := range []struct {
		stderr string
		want   errors.Kind
	}{
		{"ERROR: Sign in to confirm you're not a bot. This helps protect our community.", errors.KindBotChallenge},
		{"ERROR: please solve the CAPTCHA to continue", errors.KindBotChallenge},
		{"ERROR: The uploader has not made this video available in your country", errors.KindGeoBlock},
		{"ERROR: Video unavailable", errors.KindNotFound},
		{"ERROR: This video has been removed by the uploader", errors.KindNotFound},
		{"ERROR: Unsupported URL: ftp://example.com", errors.KindUnsupportedURL},
		{"ERROR: unable to download webpage: connection reset by peer", errors.KindNetwork},
	} {
		err := classify("https://example.com/v", tc.stderr, cause)
		require.Equal(t, tc.want, errors.KindOf(err), tc.stderr)
	}
}

func TestClassifyBotChallengeIsUnretriable(t *testing.T) {
	err := classify("u", "Sign in to confirm you're not a bot", fmt.Errorf("exit status 1"))
	require.True(t, errors.IsUnretriable(err))
	te := errors.AsTaskError(err)
	require.False(t, te.Recoverable)
	require.Contains(t, te.UserMessage, "upload")
}

func TestFormatSelector(t *testing.T) {
	require.Equal(t, "bestvideo*+bestaudio/best", formatSelector(""))
	require.Equal(t, "bestvideo*+bestaudio/best", formatSelector("best"))
	require.Equal(t, "bestaudio/best", formatSelector("audio"))
	require.Equal(t, "bestvideo[height<=720]+bestaudio/best[height<=720]", formatSelector("720p"))
}
