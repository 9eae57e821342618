package media

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sublingo/sublingo-api/config"
)

func TestApplyFFmpegPath(t *testing.T) {
	oldPath := config.PathFFmpeg
	defer func() { config.PathFFmpeg = oldPath }()

	config.PathFFmpeg = "/opt/custom/ffmpeg-custom"
	cmd := exec.Command("ffmpeg", "-i", "in.mp4", "out.mp4")
	applyFFmpegPath(cmd)

	require.Equal(t, "/opt/custom/ffmpeg-custom", cmd.Path)
	require.Equal(t, "/opt/custom/ffmpeg-custom", cmd.Args[0])
	require.Equal(t, []string{"-i", "in.mp4", "out.mp4"}, cmd.Args[1:])
}
