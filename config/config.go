package config

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
)

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

// Paths to the external binaries we shell out to.
var (
	PathFFmpeg = "ffmpeg"
	PathYtDlp  = "yt-dlp"
)

// Process-wide concurrency and pipeline knobs. Overridden by flags in main.
var (
	TranslationParallelism        = 4
	MaxConcurrentProviderRequests = 8
	TranscriptionParallelism      = 1
	BatchSize                     = 20
	MaxTranslationRetries         = 2
	TaskWorkers                   = 0 // 0 means one per CPU
	MaxCutSeconds                 = 14400
	SummaryPromptMaxChars         = 1500
	TaskTTL                       = time.Hour
	LogRingSize                   = 500
)

// Per-stage ceilings.
var (
	FetchTimeout           = 15 * time.Minute
	TranscribeTimeoutFloor = 60 * time.Minute
	TranslateBatchTimeout  = 90 * time.Second
	CancelDrainGracePeriod = 2 * time.Second
)

var (
	randMu sync.Mutex
	r      = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomTrailer generates a random URL-safe lowercase string.
func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	randMu.Lock()
	defer randMu.Unlock()
	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}

// NewTaskID returns a fresh opaque task identifier.
func NewTaskID() string {
	return fmt.Sprintf("task-%s", RandomTrailer(16))
}
