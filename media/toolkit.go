package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/subprocess"
)

// Toolkit drives ffmpeg. Operations with a cheap stream-copy path try it
// first and fall back to a re-encode when the copy path fails.
type Toolkit struct {
	Prober Prober
	// LogSink receives transcoder output lines, usually the task log ring.
	LogSink subprocess.LineSink
}

const (
	defaultTranscodeTimeout = 30 * time.Minute
	minTranscodeTimeout     = 2 * time.Minute
)

// timeoutFor returns 3x the media duration with a floor, or a default when
// the duration cannot be probed.
func (t Toolkit) timeoutFor(taskID, path string) time.Duration {
	if t.Prober == nil {
		return defaultTranscodeTimeout
	}
	d, err := t.Prober.ProbeDuration(taskID, path)
	if err != nil || d <= 0 {
		return defaultTranscodeTimeout
	}
	timeout := 3 * d
	if timeout < minTranscodeTimeout {
		timeout = minTranscodeTimeout
	}
	return timeout
}

func (t Toolkit) run(ctx context.Context, taskID string, stream *ffmpeg.Stream, timeout time.Duration) error {
	cmd := stream.OverWriteOutput().Compile()
	applyFFmpegPath(cmd)
	log.Log(taskID, "running transcoder", "args", strings.Join(cmd.Args, " "))
	tail, err := subprocess.Run(ctx, cmd, timeout, t.LogSink)
	if err == nil {
		return nil
	}
	if ctx.Err() == context.Canceled {
		return errors.New(errors.KindCancelled, ctx.Err())
	}
	if err == context.DeadlineExceeded {
		return errors.New(errors.KindTranscodeTimeout, fmt.Errorf("transcoder exceeded %s", timeout))
	}
	return errors.New(errors.KindTranscodeFailed, fmt.Errorf("%w: %s", err, lastLine(tail)))
}

// applyFFmpegPath points a compiled command at the configured ffmpeg binary.
// ffmpeg-go always compiles against a bare "ffmpeg".
func applyFFmpegPath(cmd *exec.Cmd) {
	if path, err := exec.LookPath(config.PathFFmpeg); err == nil {
		cmd.Path = path
	} else {
		cmd.Path = config.PathFFmpeg
	}
	cmd.Args[0] = config.PathFFmpeg
}

func lastLine(tail string) string {
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// Cut extracts [startMS, endMS) of the input into outPath. The fast path
// stream-copies; on failure it re-encodes, which is slower but tolerates
// keyframe placement the copy path cannot.
func (t Toolkit) Cut(ctx context.Context, taskID, inPath, outPath string, startMS, endMS int64) error {
	if err := ValidateCutRange(startMS, endMS); err != nil {
		return err
	}
	timeout := t.timeoutFor(taskID, inPath)
	ss := fmt.Sprintf("%.3f", float64(startMS)/1000)
	to := fmt.Sprintf("%.3f", float64(endMS)/1000)

	fast := ffmpeg.Input(inPath, ffmpeg.KwArgs{"ss": ss}).
		Output(outPath, ffmpeg.KwArgs{"to": to, "c": "copy", "avoid_negative_ts": "make_zero"})
	if err := t.run(ctx, taskID, fast, timeout); err == nil {
		return nil
	} else if errors.KindOf(err) == errors.KindCancelled {
		return err
	} else {
		log.LogError(taskID, "fast cut failed, re-encoding", err)
	}

	safe := ffmpeg.Input(inPath, ffmpeg.KwArgs{"ss": ss}).
		Output(outPath, ffmpeg.KwArgs{"to": to, "c:v": "libx264", "c:a": "aac"})
	return t.run(ctx, taskID, safe, timeout)
}

// Merge concatenates the inputs into outPath via the concat demuxer. The
// fast path stream-copies and requires matching codecs; the fallback
// re-encodes everything.
func (t Toolkit) Merge(ctx context.Context, taskID string, inPaths []string, outPath string) error {
	if len(inPaths) == 0 {
		return errors.New(errors.KindInvalidInput, fmt.Errorf("merge requires at least one input"))
	}
	listPath := filepath.Join(filepath.Dir(outPath), "concat.txt")
	var sb strings.Builder
	for _, p := range inPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.New(errors.KindInvalidInput, err)
		}
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return errors.New(errors.KindInternal, err)
	}
	defer os.Remove(listPath)

	timeout := t.timeoutFor(taskID, inPaths[0]) * time.Duration(len(inPaths))

	fast := ffmpeg.Input(listPath, ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(outPath, ffmpeg.KwArgs{"c": "copy"})
	if err := t.run(ctx, taskID, fast, timeout); err == nil {
		return nil
	} else if errors.KindOf(err) == errors.KindCancelled {
		return err
	} else {
		log.LogError(taskID, "fast merge failed, re-encoding", err)
	}

	safe := ffmpeg.Input(listPath, ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(outPath, ffmpeg.KwArgs{"c:v": "libx264", "c:a": "aac"})
	return t.run(ctx, taskID, safe, timeout)
}

// BurnSubtitles renders srtPath into the video stream.
func (t Toolkit) BurnSubtitles(ctx context.Context, taskID, videoPath, srtPath, outPath string) error {
	timeout := t.timeoutFor(taskID, videoPath)
	stream := ffmpeg.Input(videoPath).
		Output(outPath, ffmpeg.KwArgs{
			"vf":  fmt.Sprintf("subtitles=%s", escapeFilterPath(srtPath)),
			"c:a": "copy",
		})
	return t.run(ctx, taskID, stream, timeout)
}

// OverlayWatermark stamps the logo from spec onto the video.
func (t Toolkit) OverlayWatermark(ctx context.Context, taskID, videoPath string, spec WatermarkSpec, outPath string) error {
	if spec.Opacity < 0 || spec.Opacity > 100 {
		return errors.New(errors.KindInvalidInput, fmt.Errorf("watermark opacity %d out of range", spec.Opacity))
	}
	logoPath := filepath.Join(filepath.Dir(outPath), "watermark.png")
	if err := os.WriteFile(logoPath, spec.LogoBytes, 0644); err != nil {
		return errors.New(errors.KindInternal, err)
	}
	defer os.Remove(logoPath)

	timeout := t.timeoutFor(taskID, videoPath)
	logo := ffmpeg.Input(logoPath).
		Filter("scale", ffmpeg.Args{fmt.Sprintf("%d:-1", spec.pixelWidth())}).
		Filter("format", ffmpeg.Args{"rgba"}).
		Filter("colorchannelmixer", ffmpeg.Args{fmt.Sprintf("aa=%.2f", float64(spec.Opacity)/100)})
	video := ffmpeg.Input(videoPath)
	stream := ffmpeg.Filter([]*ffmpeg.Stream{video, logo}, "overlay", ffmpeg.Args{spec.overlayExpr()}).
		Output(outPath, ffmpeg.KwArgs{"c:a": "copy"})
	return t.run(ctx, taskID, stream, timeout)
}

// ExtractAudio writes a 16 kHz mono WAV, the input format the speech
// backends expect.
func (t Toolkit) ExtractAudio(ctx context.Context, taskID, videoPath, outPath string) error {
	timeout := t.timeoutFor(taskID, videoPath)
	stream := ffmpeg.Input(videoPath).
		Output(outPath, ffmpeg.KwArgs{"vn": "", "acodec": "pcm_s16le", "ar": "16000", "ac": "1"})
	err := t.run(ctx, taskID, stream, timeout)
	if err != nil && errors.KindOf(err) == errors.KindTranscodeFailed {
		return errors.New(errors.KindAudioDecodeFailed, err)
	}
	return err
}

// ffmpeg filter arguments have their own quoting rules; colons and quotes in
// paths must be escaped.
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, `:`, `\:`)
	p = strings.ReplaceAll(p, `'`, `\'`)
	return p
}
