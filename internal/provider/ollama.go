// Package provider implements inference backends.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"matterbot/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
	defaultHTTPTimeout = 120 * time.Second
)

// Ollama implements domain.InferenceClient against the Ollama /api/generate
// endpoint. The context token returned by the API is carried verbatim; its
// shape is an implementation detail of the model runtime.
type Ollama struct {
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type OllamaConfig struct {
	APIBase string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &Ollama{
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// generateRequest matches the Ollama /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Context json.RawMessage `json:"context,omitempty"`
}

type generateResponse struct {
	Response string          `json:"response"`
	Context  json.RawMessage `json:"context"`
	Done     bool            `json:"done"`
}

// Generate never fails outward: transport and status errors are folded into
// the reply text with an empty context token, so the worker still has
// something to post and the user sees that the backend is down instead of
// being ignored.
func (o *Ollama) Generate(ctx context.Context, prompt string, convCtx domain.ContextToken) domain.Reply {
	reply, err := o.generate(ctx, prompt, convCtx)
	if err != nil {
		o.logger.Error("ollama request failed", "err", err)
		return domain.Reply{Text: "Error: unable to get a response from the model."}
	}
	return reply
}

func (o *Ollama) generate(ctx context.Context, prompt string, convCtx domain.ContextToken) (domain.Reply, error) {
	body := generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
	}
	if len(convCtx) > 0 {
		body.Context = json.RawMessage(convCtx)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	if o.logger.Enabled(ctx, slog.LevelDebug) {
		o.logger.Debug("sending to ollama", "model", o.model, "prompt_len", len(prompt), "has_context", len(convCtx) > 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.Reply{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.Reply{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		o.logger.Warn("ollama returned non-200", "status", resp.StatusCode, "body", string(respBody))
		// Degrade to a visible error reply instead of dropping the message.
		return domain.Reply{Text: fmt.Sprintf("Error: inference backend returned status %d", resp.StatusCode)}, nil
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Reply{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Response == "" {
		out.Response = "No response from the model."
	}

	return domain.Reply{
		Text:    out.Response,
		Context: domain.ContextToken(out.Context),
	}, nil
}
