package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"

	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/subtitle"
)

// StringProvider translates one string at a time.
type StringProvider interface {
	TranslateOne(ctx context.Context, text, source, target string) (string, error)
}

// SimpleTranslator walks a batch string by string through a provider,
// retrying transient failures with exponential backoff. Ordering is
// preserved by input position.
type SimpleTranslator struct {
	provider StringProvider
	gate     *semaphore.Weighted
}

func NewSimpleTranslator(provider StringProvider, gate *semaphore.Weighted) *SimpleTranslator {
	return &SimpleTranslator{provider: provider, gate: gate}
}

const (
	simpleBackoffBase = 500 * time.Millisecond
	simpleBackoffCap  = 8 * time.Second
	simpleMaxAttempts = 5
)

func (t *SimpleTranslator) Translate(ctx context.Context, taskID string, batch subtitle.Batch, source, target string) ([]string, int, error) {
	if sameLanguage(source, target) {
		return passthrough(batch), 0, nil
	}

	texts := make([]string, len(batch.Segments))
	for i, seg := range batch.Segments {
		translated, err := t.translateOne(ctx, seg.Text, source, target)
		if err != nil {
			return nil, 0, err
		}
		texts[i] = translated
	}
	return texts, 0, nil
}

func (t *SimpleTranslator) translateOne(ctx context.Context, text, source, target string) (string, error) {
	var result string
	operation := func() error {
		if err := t.gate.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer t.gate.Release(1)
		out, err := t.provider.TranslateOne(ctx, text, source, target)
		if err != nil {
			if errors.IsUnretriable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = simpleBackoffBase
	backOff.MaxInterval = simpleBackoffCap
	backOff.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, simpleMaxAttempts-1), ctx))
	if err != nil {
		return "", errors.AsTaskError(err)
	}
	return result, nil
}

// HTTPProvider speaks a LibreTranslate-shaped JSON API.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	client   *retryablehttp.Client
}

func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 15 * time.Second,
	}
	return &HTTPProvider{Endpoint: endpoint, APIKey: apiKey, client: client}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

func (p *HTTPProvider) TranslateOne(ctx context.Context, text, source, target string) (string, error) {
	if source == "" {
		source = "auto"
	}
	body, err := json.Marshal(translateRequest{Q: text, Source: source, Target: target, APIKey: p.APIKey})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.New(errors.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("translation provider returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", errors.Unretriable(fmt.Errorf("translation provider rejected request: HTTP %d", resp.StatusCode))
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("unparseable provider response: %w", err)
	}
	return tr.TranslatedText, nil
}
