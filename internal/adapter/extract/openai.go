package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"filingwatch/internal/domain"
)

const systemPrompt = `You are an equity research assistant. You are given the text of a
regulatory filing (typically an 8-K with an earnings press release exhibit).
Extract the reported results into JSON with this exact shape:
{
  "company_name": string,
  "ticker": string,
  "fiscal_period": string,
  "kpis": [{"name": string, "value_actual": string, "context": string}],
  "guidance": [{"metric": string, "midpoint": string, "unit": string, "commentary": string}],
  "summary": {"bull_case": [string], "bear_case": [string]}
}
Report only figures stated in the text. Leave arrays empty when the filing
contains no such data. Respond with JSON only.`

// Config holds OpenAI settings for the extraction engine.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// DefaultConfig returns settings tuned for factual extraction.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		Temperature: 0.2,
		MaxTokens:   2000,
	}
}

// Engine turns raw filing text into a structured earnings report via the
// OpenAI chat-completion API in JSON mode.
type Engine struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// New creates an extraction engine. All collaborators are injected at
// construction; nothing is built lazily on first use.
func New(config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: openai.NewClient(config.APIKey),
		config: config,
		logger: logger,
	}
}

// NewWithClient injects a pre-built API client (tests point it at a fake
// server).
func NewWithClient(client *openai.Client, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, config: config, logger: logger}
}

// ExtractFromText produces a structured report for one filing.
func (e *Engine) ExtractFromText(ctx context.Context, text, ticker string) (*domain.Report, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.config.Model,
		Temperature: e.config.Temperature,
		MaxTokens:   e.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Ticker: %s\n\nFiling text:\n%s", ticker, text),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var report domain.Report
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &report); err != nil {
		return nil, fmt.Errorf("parse report JSON: %w", err)
	}
	if report.Ticker == "" {
		report.Ticker = ticker
	}

	e.logger.Debug("report extracted",
		"ticker", report.Ticker,
		"fiscal_period", report.FiscalPeriod,
		"kpis", len(report.KPIs),
		"tokens", resp.Usage.TotalTokens,
	)
	return &report, nil
}
