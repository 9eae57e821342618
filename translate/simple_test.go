package translate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sublingo/sublingo-api/errors"
)

type scriptedProvider struct {
	failures int // transient failures before success
	calls    int
	fatal    bool
}

func (p *scriptedProvider) TranslateOne(ctx context.Context, text, source, target string) (string, error) {
	p.calls++
	if p.fatal {
		return "", errors.Unretriable(fmt.Errorf("bad request"))
	}
	if p.calls <= p.failures {
		return "", fmt.Errorf("transient provider error")
	}
	return "[" + target + "] " + text, nil
}

func TestSimpleTranslatePreservesOrder(t *testing.T) {
	p := &scriptedProvider{}
	tr := NewSimpleTranslator(p, NewProviderGate(2))

	texts, retries, err := tr.Translate(context.Background(), "task-1", batchOf(5), "en", "fr")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	require.Equal(t, "[fr] line 0", texts[0])
	require.Equal(t, "[fr] line 4", texts[4])
	require.Equal(t, 5, p.calls)
}

func TestSimpleTranslateRetriesTransient(t *testing.T) {
	p := &scriptedProvider{failures: 2}
	tr := NewSimpleTranslator(p, NewProviderGate(2))

	texts, _, err := tr.Translate(context.Background(), "task-1", batchOf(1), "en", "fr")
	require.NoError(t, err)
	require.Equal(t, "[fr] line 0", texts[0])
	require.Equal(t, 3, p.calls)
}

func TestSimpleTranslateStopsOnPermanent(t *testing.T) {
	p := &scriptedProvider{fatal: true}
	tr := NewSimpleTranslator(p, NewProviderGate(2))

	_, _, err := tr.Translate(context.Background(), "task-1", batchOf(3), "en", "fr")
	require.Error(t, err)
	require.Equal(t, 1, p.calls)
}

func TestSimpleTranslateSameLanguage(t *testing.T) {
	p := &scriptedProvider{}
	tr := NewSimpleTranslator(p, NewProviderGate(2))

	texts, _, err := tr.Translate(context.Background(), "task-1", batchOf(2), "de", "de")
	require.NoError(t, err)
	require.Equal(t, []string{"line 0", "line 1"}, texts)
	require.Equal(t, 0, p.calls)
}

func TestSimpleTranslateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{failures: 100}
	tr := NewSimpleTranslator(p, NewProviderGate(2))

	_, _, err := tr.Translate(ctx, "task-1", batchOf(1), "en", "fr")
	require.Error(t, err)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"translatedText": "bonjour"}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	out, err := p.TranslateOne(context.Background(), "hello", "en", "fr")
	require.NoError(t, err)
	require.Equal(t, "bonjour", out)
}

func TestHTTPProviderRejectsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.TranslateOne(context.Background(), "hello", "en", "fr")
	require.Error(t, err)
	require.True(t, errors.IsUnretriable(err))
}

func TestHTTPProviderTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(w, `{"translatedText": "late"}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	out, err := p.TranslateOne(context.Background(), "hello", "en", "fr")
	require.NoError(t, err)
	require.Equal(t, "late", out)
}
