// Package narrative drafts report text with an OpenAI-compatible chat model.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
)

const (
	DefaultModel      = "gpt-4o-mini"
	DefaultRPM        = 30
	DefaultMaxRetries = 2
)

var ErrNotConfigured = errors.New("narrative model API key not set")

// Config configures the chat model and its outbound rate limit.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	RPM        int
	MaxRetries int
}

// chatModel is the part of an eino chat model the generator uses.
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Generator implements uroflow.NarrativeGenerator.
type Generator struct {
	chat       chatModel
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

var _ uroflow.NarrativeGenerator = (*Generator)(nil)

// New connects to the configured chat model.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	temperature := float32(0.2)
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return newGenerator(cm, cfg, logger), nil
}

func newGenerator(cm chatModel, cfg Config, logger zerolog.Logger) *Generator {
	limit := rate.Inf
	if cfg.RPM > 0 {
		limit = rate.Limit(float64(cfg.RPM) / 60.0)
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Generator{
		chat:       cm,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: retries,
		baseDelay:  2 * time.Second,
		logger:     logger.With().Str("component", "narrative").Logger(),
	}
}

// Generate sends the instruction and payload to the model and returns its
// text with any code fence removed. Rate-limited answers are retried with
// exponential backoff; every other failure is returned at once.
func (g *Generator) Generate(ctx context.Context, req uroflow.NarrativeRequest) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: req.Instruction},
		{Role: schema.User, Content: string(req.Payload)},
	}

	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}

		resp, err := g.chat.Generate(ctx, messages)
		if err != nil {
			if isRateLimited(err) && attempt < g.maxRetries {
				delay := g.baseDelay << attempt
				g.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("narrative model rate limited, retrying")
				if err := sleep(ctx, delay); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("narrative model: %w", err)
		}
		if resp == nil {
			return "", errors.New("narrative model returned no message")
		}
		return stripFences(resp.Content), nil
	}
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"```markdown", "```md", "```"} {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
