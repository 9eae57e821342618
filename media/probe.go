package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

type Prober interface {
	ProbeFile(taskID, path string) (Metadata, error)
	ProbeDuration(taskID, path string) (time.Duration, error)
}

type Probe struct{}

func (p Probe) ProbeFile(taskID, path string) (Metadata, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
	if err != nil {
		return Metadata{}, errors.New(errors.KindAudioDecodeFailed, fmt.Errorf("error probing %s: %w", path, err))
	}
	md, err := parseProbeOutput(data)
	if err != nil {
		return Metadata{}, err
	}
	log.Log(taskID, "probed file", "path", path, "duration_ms", md.DurationMS, "width", md.Width, "height", md.Height)
	return md, nil
}

func (p Probe) ProbeDuration(taskID, path string) (time.Duration, error) {
	md, err := p.ProbeFile(taskID, path)
	if err != nil {
		return 0, err
	}
	return time.Duration(md.DurationMS) * time.Millisecond, nil
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (Metadata, error) {
	if probeData.Format == nil {
		return Metadata{}, errors.New(errors.KindAudioDecodeFailed, fmt.Errorf("format information missing from probe"))
	}

	md := Metadata{
		DurationMS: int64(probeData.Format.DurationSeconds * 1000),
	}
	if size, err := strconv.ParseInt(probeData.Format.Size, 10, 64); err == nil {
		md.FileSizeBytes = size
	}

	videoStream := probeData.FirstVideoStream()
	if videoStream != nil {
		md.Width = videoStream.Width
		md.Height = videoStream.Height
		if fps, err := parseFps(videoStream.AvgFrameRate); err == nil && fps > 0 {
			md.FPS = fps
		} else if fps, err := parseFps(videoStream.RFrameRate); err == nil {
			md.FPS = fps
		}
		if duration, err := strconv.ParseFloat(videoStream.Duration, 64); err == nil && duration > 0 {
			md.DurationMS = int64(duration * 1000)
		}
	}

	if md.DurationMS <= 0 && probeData.FirstAudioStream() == nil {
		return Metadata{}, errors.New(errors.KindAudioDecodeFailed, fmt.Errorf("no playable streams found"))
	}
	return md, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing framerate: %w", err)
		}
		return fps, nil
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate denominator: %w", err)
	}
	if den == 0 {
		if num == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("invalid framerate denominator 0")
	}
	return float64(num) / float64(den), nil
}
