package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexsight/lattice/pkg/domain"
)

const (
	defaultModel       = "gpt-4o"
	defaultHTTPTimeout = 30 * time.Second
	defaultSystemRole  = "You rewrite text so it satisfies the stated constraint. Return only the rewritten text."
)

// HTTPConfig configures an OpenAI-compatible chat completions client.
type HTTPConfig struct {
	// BaseURL is the completions endpoint, e.g.
	// "https://api.openai.com/v1/chat/completions".
	BaseURL string
	// APIKey authorizes requests. Empty falls back to OPENAI_API_KEY.
	APIKey string
	// Model selects the completion model. Empty selects gpt-4o.
	Model string
	// Temperature is passed through to the backend.
	Temperature float64
	// Timeout bounds a single HTTP exchange. Zero selects 30s.
	Timeout time.Duration
}

// HTTPGenerator regenerates text through an OpenAI-compatible chat
// completions API. All transport and backend failures surface as
// domain.ErrGenerationUnavailable; deadline expiry surfaces as
// domain.ErrGenerationTimeout so callers can retry accordingly.
type HTTPGenerator struct {
	config     HTTPConfig
	logger     *slog.Logger
	httpClient *http.Client
}

// NewHTTPGenerator creates a generator for the given endpoint. A nil logger
// falls back to slog.Default().
func NewHTTPGenerator(config HTTPConfig, logger *slog.Logger) (*HTTPGenerator, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("gen: base URL is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultHTTPTimeout
	}
	if config.APIKey == "" {
		config.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPGenerator{
		config: config,
		logger: logger.With("component", "gen.http"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Generate requests a rewrite of req.Text from the backend.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = defaultSystemRole
	}

	user := req.Text
	if req.Reason != "" {
		user = fmt.Sprintf("The text was rejected because: %s\n\n%s", req.Reason, req.Text)
	}

	payload := map[string]any{
		"model": g.config.Model,
		"messages": []map[string]string{
			{"role": "system", "content": prompt},
			{"role": "user", "content": user},
		},
		"temperature": g.config.Temperature,
	}

	bodyBytes, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGenerationUnavailable, err)
	}
	if g.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", g.classify(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: backend returned status %d: %s",
			domain.ErrGenerationUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", domain.ErrGenerationUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no completion choices returned", domain.ErrGenerationUnavailable)
	}

	return completion.Choices[0].Message.Content, nil
}

// classify maps transport errors onto the domain sentinels.
func (g *HTTPGenerator) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var uerr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrGenerationUnavailable, err)
}
