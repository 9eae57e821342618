// Package summary produces a short prose summary of a finished task's
// translated subtitles with one chat completion.
package summary

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/errors"
	"github.com/sublingo/sublingo-api/subtitle"
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Summarizer struct {
	client chatCompleter
	model  string
}

func NewSummarizer(apiKey, baseURL, model string) *Summarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Summarizer{client: openai.NewClientWithConfig(cfg), model: model}
}

// Summarize turns the subtitle text into a markdown summary in the given
// language. customPrompt optionally steers the summary and is rejected when
// it exceeds the configured cap, rather than silently truncated.
func (s *Summarizer) Summarize(ctx context.Context, segments []subtitle.Segment, language, customPrompt string) (string, error) {
	if len(customPrompt) > config.SummaryPromptMaxChars {
		return "", errors.New(errors.KindPromptTooLong,
			fmt.Errorf("custom prompt is %d characters, limit is %d", len(customPrompt), config.SummaryPromptMaxChars))
	}
	text := joinTexts(segments)
	if text == "" {
		return "", errors.New(errors.KindInvalidInput, fmt.Errorf("no subtitle text to summarize"))
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(language, customPrompt)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0.3,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.New(errors.KindBackendTimeout, err)
		}
		return "", errors.New(errors.KindBackendUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.KindBackendUnavailable, fmt.Errorf("empty completion response"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func systemPrompt(language, customPrompt string) string {
	lang := language
	if lang == "" {
		lang = "the same language as the transcript"
	}
	base := fmt.Sprintf("Summarize the following video transcript as markdown, in %s. Reply with the summary only.", lang)
	if customPrompt != "" {
		return base + " Additional instructions: " + customPrompt
	}
	return base
}

func joinTexts(segments []subtitle.Segment) string {
	var sb strings.Builder
	for _, seg := range segments {
		t := strings.TrimSpace(seg.Text)
		if t == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(t)
	}
	return sb.String()
}
