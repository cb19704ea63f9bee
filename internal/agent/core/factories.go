package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docuflow/researchd/config"
)

// Router resolves which provider model serves each agent kind, falling
// back to the configured fallback model.
type Router struct {
	cfg config.LLMConfig
}

// NewRouter builds a model router from config.
func NewRouter(cfg config.LLMConfig) *Router {
	return &Router{cfg: cfg}
}

// ModelFor returns the model key routed to kind. "report" routes the
// report assembler's generation calls.
func (r *Router) ModelFor(kind string) string {
	var m string
	switch AgentKind(kind) {
	case KindDiscovery:
		m = r.cfg.Routing.Discovery
	case KindAnalysis:
		m = r.cfg.Routing.Analysis
	case KindSynthesis:
		m = r.cfg.Routing.Synthesis
	case KindVerification:
		m = r.cfg.Routing.Verification
	default:
		if kind == "report" {
			m = r.cfg.Routing.Report
		}
	}
	if m == "" {
		m = r.cfg.Routing.Fallback
	}
	return m
}

// ModelConfig looks up the model definition for key across all providers.
func (r *Router) ModelConfig(key string) (config.LLMModel, bool) {
	for _, p := range r.cfg.Providers {
		if m, ok := p.Models[key]; ok {
			return m, true
		}
	}
	return config.LLMModel{}, false
}

// Cost computes the dollar cost of a completion for the given model key.
func (r *Router) Cost(key string, promptTokens, completionTokens int) float64 {
	m, ok := r.ModelConfig(key)
	if !ok {
		return 0
	}
	in := float64(promptTokens) / 1000 * m.CostPer1K
	out := float64(completionTokens) / 1000 * m.CostPer1KOutput
	return in + out
}

// NewLLMProvider builds the provider named in cfg.Providers. Provider type
// selects the wire implementation.
func NewLLMProvider(name string, cfg config.LLMConfig) (LLMProvider, error) {
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch strings.ToLower(pc.Type) {
	case "openai", "":
		base := pc.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return &openAIProvider{apiKey: pc.APIKey, baseURL: strings.TrimRight(base, "/"), models: pc.Models, client: client}, nil
	case "anthropic":
		base := pc.BaseURL
		if base == "" {
			base = "https://api.anthropic.com/v1"
		}
		return &anthropicProvider{apiKey: pc.APIKey, baseURL: strings.TrimRight(base, "/"), models: pc.Models, client: client}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider type %q", pc.Type)
	}
}

// classifyStatus maps an HTTP status to the retry taxonomy. Auth and
// request-shape failures do not get better on retry; rate limits, server
// errors and timeouts do.
func classifyStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("status %d: %s", status, snippet(body))
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusBadRequest, status == http.StatusNotFound:
		return Permanent(op, err)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient(op, err)
	default:
		return Permanent(op, err)
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// --- OpenAI ---

type openAIProvider struct {
	apiKey  string
	baseURL string
	models  map[string]config.LLMModel
	client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *openAIProvider) resolve(key string) (apiName string, m config.LLMModel) {
	if mc, ok := p.models[key]; ok {
		if mc.APIName != "" {
			return mc.APIName, mc
		}
		return mc.Name, mc
	}
	return key, config.LLMModel{}
}

func (p *openAIProvider) Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error) {
	apiName, mc := p.resolve(opts.Model)

	msgs := make([]chatMessage, 0, len(opts.Context)+2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	for _, c := range opts.Context {
		msgs = append(msgs, chatMessage{Role: "assistant", Content: c})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	temp := opts.Temperature
	if temp == 0 {
		temp = mc.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = mc.MaxTokens
	}

	body, err := json.Marshal(chatRequest{Model: apiName, Messages: msgs, Temperature: temp, MaxTokens: maxTokens})
	if err != nil {
		return Completion{}, Permanent("openai.generate", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, Permanent("openai.generate", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, Transient("openai.generate", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Completion{}, classifyStatus("openai.generate", resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, Transient("openai.generate", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return Completion{}, Transient("openai.generate", fmt.Errorf("empty choices"))
	}
	return Completion{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Model:            out.Model,
	}, nil
}

func (p *openAIProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai health: status %d", resp.StatusCode)
	}
	return nil
}

// --- Anthropic ---

type anthropicProvider struct {
	apiKey  string
	baseURL string
	models  map[string]config.LLMModel
	client  *http.Client
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *anthropicProvider) Generate(ctx context.Context, system, prompt string, opts GenerateOptions) (Completion, error) {
	apiName := opts.Model
	maxTokens := opts.MaxTokens
	if mc, ok := p.models[opts.Model]; ok {
		if mc.APIName != "" {
			apiName = mc.APIName
		} else if mc.Name != "" {
			apiName = mc.Name
		}
		if maxTokens == 0 {
			maxTokens = mc.MaxTokens
		}
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	msgs := make([]chatMessage, 0, len(opts.Context)+1)
	for _, c := range opts.Context {
		msgs = append(msgs, chatMessage{Role: "assistant", Content: c})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(anthropicRequest{Model: apiName, System: system, Messages: msgs, MaxTokens: maxTokens})
	if err != nil {
		return Completion{}, Permanent("anthropic.generate", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, Permanent("anthropic.generate", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, Transient("anthropic.generate", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Completion{}, classifyStatus("anthropic.generate", resp.StatusCode, string(raw))
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, Transient("anthropic.generate", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Content) == 0 {
		return Completion{}, Transient("anthropic.generate", fmt.Errorf("empty content"))
	}
	var sb strings.Builder
	for _, c := range out.Content {
		sb.WriteString(c.Text)
	}
	return Completion{
		Text:             sb.String(),
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		Model:            out.Model,
	}, nil
}

func (p *anthropicProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anthropic health: status %d", resp.StatusCode)
	}
	return nil
}
