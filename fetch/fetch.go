// Package fetch resolves remote video URLs through yt-dlp: metadata probing
// first, then a download at the requested quality. Failures are classified
// into the error kinds observers can act on, most importantly the
// bot-challenge refusal which is surfaced to users with an upload
// instruction.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/subprocess"
)

// Fetcher probes and downloads remote media.
type Fetcher interface {
	Probe(ctx context.Context, taskID, url string) (media.Metadata, error)
	Fetch(ctx context.Context, taskID, url, quality, destDir string) (string, media.Metadata, error)
}

// YtDlp shells out to the yt-dlp binary.
type YtDlp struct {
	// Extra arguments appended to every invocation, e.g. cookies or
	// impersonation flags.
	ExtraArgs []string
	LogSink   subprocess.LineSink
}

type probeOutput struct {
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	FilesizeApprox int64   `json:"filesize_approx"`
	ViewCount      int64   `json:"view_count"`
	Uploader       string  `json:"uploader"`
	Thumbnail      string  `json:"thumbnail"`
	WebpageURL     string  `json:"webpage_url"`
}

func (y YtDlp) Probe(ctx context.Context, taskID, url string) (media.Metadata, error) {
	args := append([]string{"-J", "--no-download", "--no-playlist", url}, y.ExtraArgs...)
	cmd := exec.Command(config.PathYtDlp, args...)

	var stdout strings.Builder
	tail, err := subprocess.RunSplit(ctx, cmd, config.FetchTimeout, func(line string) {
		stdout.WriteString(line)
	}, y.LogSink)
	if err != nil {
		return media.Metadata{}, classify(url, tail, err)
	}

	var po probeOutput
	if err := json.Unmarshal([]byte(stdout.String()), &po); err != nil {
		return media.Metadata{}, errors.New(errors.KindUnsupportedURL, fmt.Errorf("unparseable metadata for %s: %w", url, err))
	}
	md := media.Metadata{
		Title:         po.Title,
		DurationMS:    int64(po.Duration * 1000),
		Width:         po.Width,
		Height:        po.Height,
		FPS:           po.FPS,
		FileSizeBytes: po.FilesizeApprox,
		ViewCount:     po.ViewCount,
		Uploader:      po.Uploader,
		ThumbnailURL:  po.Thumbnail,
		SourceURL:     po.WebpageURL,
	}
	if md.SourceURL == "" {
		md.SourceURL = url
	}
	log.Log(taskID, "probed remote media", "url", url, "title", md.Title, "duration_ms", md.DurationMS)
	return md, nil
}

func (y YtDlp) Fetch(ctx context.Context, taskID, url, quality, destDir string) (string, media.Metadata, error) {
	md, err := y.Probe(ctx, taskID, url)
	if err != nil {
		return "", media.Metadata{}, err
	}

	outPath := filepath.Join(destDir, "source.mp4")
	args := append([]string{
		"-f", formatSelector(quality),
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", outPath,
		url,
	}, y.ExtraArgs...)
	cmd := exec.Command(config.PathYtDlp, args...)

	tail, err := subprocess.Run(ctx, cmd, config.FetchTimeout, y.LogSink)
	if err != nil {
		return "", media.Metadata{}, classify(url, tail, err)
	}
	log.Log(taskID, "downloaded remote media", "url", url, "path", outPath, "quality", quality)
	return outPath, md, nil
}

// formatSelector maps the user-facing quality names onto yt-dlp format
// expressions.
func formatSelector(quality string) string {
	switch quality {
	case "", "best":
		return "bestvideo*+bestaudio/best"
	case "audio":
		return "bestaudio/best"
	default:
		// "1080p" style cap
		h := strings.TrimSuffix(quality, "p")
		return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", h, h)
	}
}

// classify maps yt-dlp stderr output onto typed errors.
func classify(url, tail string, err error) error {
	if err == context.Canceled {
		return errors.New(errors.KindCancelled, err)
	}
	if err == context.DeadlineExceeded {
		return errors.New(errors.KindStageTimeout, fmt.Errorf("fetching %s timed out", url))
	}
	lower := strings.ToLower(tail)
	wrapped := fmt.Errorf("yt-dlp failed for %s: %w: %s", url, err, lastLine(tail))
	switch {
	case strings.Contains(lower, "confirm you're not a bot"),
		strings.Contains(lower, "confirm you are not a bot"),
		strings.Contains(lower, "sign in to confirm"),
		strings.Contains(lower, "captcha"):
		return errors.New(errors.KindBotChallenge, wrapped)
	case strings.Contains(lower, "not available in your country"),
		strings.Contains(lower, "geo restricted"),
		strings.Contains(lower, "blocked it in your country"):
		return errors.New(errors.KindGeoBlock, wrapped)
	case strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "404"),
		strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "has been removed"):
		return errors.New(errors.KindNotFound, wrapped)
	case strings.Contains(lower, "unsupported url"),
		strings.Contains(lower, "is not a valid url"):
		return errors.New(errors.KindUnsupportedURL, wrapped)
	default:
		return errors.New(errors.KindNetwork, wrapped)
	}
}

func lastLine(tail string) string {
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
