package config

import (
	"flag"
	"net/url"
)

// Cli holds the process configuration populated from flags and SUBLINGO_*
// environment variables in main.
type Cli struct {
	HTTPAddress         string
	HTTPInternalAddress string

	APIToken       string
	WorkDir        string
	CallbackURL    string
	DownloadSecret string

	// Speech / LLM provider settings. The speech base URL may point at any
	// OpenAI-compatible server (e.g. a local whisper.cpp instance).
	ProviderAPIKey string
	SpeechBaseURL  string
	LLMModel       string

	// Simple per-string translation provider endpoint.
	SimpleTranslateURL *url.URL
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}
