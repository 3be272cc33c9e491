// Package diagnose implements the supplemental Failure Diagnostics
// component: a best-effort summary of a failed job's captured log tail,
// attached to the Job as diagnosis. It is a side effect in the same
// family as C10's audit/counter hooks — its failure must never revert or
// delay a job's terminal write.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wasmforge/orchestrator/internal/domain"
)

const defaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = `You summarize why a WASM contract build or deploy job failed, given its
captured log tail. Respond with one short paragraph a developer can act on.
Do not restate the full log; name the likely cause and, if obvious, the fix.`

// Client wraps the Anthropic SDK for failure summarization.
type Client struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

// NewClient configures a Client. An empty apiKey is valid: IsAvailable
// reports false and callers should skip diagnosis entirely.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	if apiKey == "" {
		return &Client{model: model, logger: slog.Default().With("component", "diagnose")}
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &c, model: model, logger: slog.Default().With("component", "diagnose")}
}

// IsAvailable reports whether the client is configured with an API key.
func (c *Client) IsAvailable() bool { return c != nil && c.client != nil }

// maxTailChars bounds how much of the log tail is sent to the model.
const maxTailChars = 8000

// Summarize produces a short human-readable explanation of a failed job.
// Best-effort: callers must treat a non-nil error as "no diagnosis this
// time", never as a reason to fail or retry the job.
func (c *Client) Summarize(ctx context.Context, job *domain.Job) (string, error) {
	if !c.IsAvailable() {
		return "", fmt.Errorf("diagnose: client not configured")
	}

	tail := renderTail(job.Logs)
	if len(tail) > maxTailChars {
		tail = tail[len(tail)-maxTailChars:]
	}

	prompt := fmt.Sprintf("Job type: %s\nError: %s\n\nLog tail:\n%s", job.Type, job.Error, tail)

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("diagnose: summarize: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	c.logger.Info("diagnosis produced",
		"job_id", job.ID,
		"latency_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	return strings.TrimSpace(content), nil
}

func renderTail(logs []domain.LogRecord) string {
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] %s\n", l.Kind, l.Message)
	}
	return b.String()
}
