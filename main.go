package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sublingo/sublingo-api/api"
	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/fetch"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/media"
	"github.com/sublingo/sublingo-api/pipeline"
	"github.com/sublingo/sublingo-api/summary"
	"github.com/sublingo/sublingo-api/token"
	"github.com/sublingo/sublingo-api/transcribe"
	"github.com/sublingo/sublingo-api/translate"
)

func main() {
	// .env is optional; flags and SUBLINGO_* environment variables win
	_ = godotenv.Load()

	fs := flag.NewFlagSet("sublingo-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8787", "Address to bind for the public task API")
	fs.StringVar(&cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7878", "Address to bind for metrics and other internal handlers")

	// sublingo-api parameters
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")
	fs.StringVar(&cli.WorkDir, "work-dir", "/tmp/sublingo", "Directory holding the per-task artifact directories")
	fs.StringVar(&cli.CallbackURL, "callback-url", "", "URL receiving task status webhooks; empty disables them")
	fs.StringVar(&cli.DownloadSecret, "download-secret", "", "HMAC secret for signed download links")
	downloadTTL := fs.Duration("download-ttl", 6*time.Hour, "Lifetime of signed download links")

	// speech / translation providers
	fs.StringVar(&cli.ProviderAPIKey, "provider-api-key", "", "API key for the OpenAI-compatible speech and chat endpoints")
	fs.StringVar(&cli.SpeechBaseURL, "speech-base-url", "", "Base URL of an OpenAI-compatible server; empty uses the hosted API")
	fs.StringVar(&cli.LLMModel, "llm-model", "gpt-4o-mini", "Chat model used for translation and summaries")
	config.URLVarFlag(fs, &cli.SimpleTranslateURL, "simple-translate-url", "", "Endpoint of the per-string translation provider")

	// external binaries
	fs.StringVar(&config.PathFFmpeg, "ffmpeg-path", config.PathFFmpeg, "Path of the ffmpeg binary")
	fs.StringVar(&config.PathYtDlp, "yt-dlp-path", config.PathYtDlp, "Path of the yt-dlp binary")

	// pipeline knobs
	fs.IntVar(&config.TranslationParallelism, "translation-parallelism", config.TranslationParallelism, "Concurrent translation batches per task")
	fs.IntVar(&config.MaxConcurrentProviderRequests, "provider-permits", config.MaxConcurrentProviderRequests, "Process-wide cap on concurrent translation provider requests")
	fs.IntVar(&config.TranscriptionParallelism, "transcription-parallelism", config.TranscriptionParallelism, "Concurrent transcriptions")
	fs.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Subtitle segments per translation batch")
	fs.IntVar(&config.MaxTranslationRetries, "max-translation-retries", config.MaxTranslationRetries, "Retries per translation batch before the task fails")
	fs.IntVar(&config.TaskWorkers, "task-workers", config.TaskWorkers, "Size of the task worker pool; 0 runs every task immediately")
	fs.IntVar(&config.MaxCutSeconds, "max-cut-seconds", config.MaxCutSeconds, "Longest span a cut operation may extract")
	fs.IntVar(&config.SummaryPromptMaxChars, "summary-prompt-max-chars", config.SummaryPromptMaxChars, "Longest custom prompt the summary hook accepts")
	fs.DurationVar(&config.TaskTTL, "task-ttl", config.TaskTTL, "How long finished tasks and their artifacts are kept")

	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("SUBLINGO"),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("sublingo-api version: %s\n", config.Version)
		return
	}

	if err := os.MkdirAll(cli.WorkDir, 0755); err != nil {
		fatalf("error creating work dir: %s", err)
	}
	if cli.DownloadSecret == "" {
		cli.DownloadSecret = config.RandomTrailer(32)
		log.LogNoTaskID("download-secret not set, download links will stop working across restarts")
	}

	providerGate := translate.NewProviderGate(config.MaxConcurrentProviderRequests)
	llm := translate.NewLLMTranslator(cli.ProviderAPIKey, cli.SpeechBaseURL, cli.LLMModel, providerGate)
	var simple *translate.SimpleTranslator
	if cli.SimpleTranslateURL != nil && cli.SimpleTranslateURL.String() != "" {
		simple = translate.NewSimpleTranslator(translate.NewHTTPProvider(cli.SimpleTranslateURL.String(), ""), providerGate)
	}

	runtime := pipeline.NewCoordinator(pipeline.CoordinatorOptions{
		WorkDir:     cli.WorkDir,
		Engine:      transcribe.NewOpenAIEngine(cli.ProviderAPIKey, cli.SpeechBaseURL, transcribe.NewGate(config.TranscriptionParallelism)),
		Fetcher:     fetch.YtDlp{},
		Prober:      media.Probe{},
		LLM:         llm,
		Simple:      simple,
		Summarizer:  summary.NewSummarizer(cli.ProviderAPIKey, cli.SpeechBaseURL, cli.LLMModel),
		CallbackURL: cli.CallbackURL,
	})
	guard := token.NewGuard(cli.DownloadSecret, *downloadTTL)

	// Root context; cancelling it prompts every component to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, cli.APIToken, cli.WorkDir, runtime, guard)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, cli.HTTPInternalAddress)
	})

	group.Go(func() error {
		runtime.RunSweeper(ctx, 10*time.Minute)
		return nil
	})

	err = group.Wait()
	runtime.Close()
	log.LogNoTaskID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoTaskID("caught signal, attempting clean shutdown", "signal", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
