package aibot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Route keywords select which vendor answers a message.
const (
	RouteGPT    = "gpt"
	RouteClaude = "claude"
	RouteGemini = "gemini"
	RouteGrok   = "grok"
)

const anthropicAPIVersion = "2023-06-01"

// Exchange is one prior prompt/reply pair in a user's conversation.
type Exchange struct {
	Prompt string `json:"prompt"`
	Reply  string `json:"reply"`
}

// AIResponse is the normalized result of a vendor request. Token counts
// are zero when a vendor does not report usage.
type AIResponse struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	Vendor           string `json:"vendor"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// AIClient reformats a conversation into a vendor's request shape and
// unwraps the response. Implementations do not retry; errors propagate
// to the caller.
type AIClient interface {
	Vendor() string
	Ask(ctx context.Context, prompt string, history []Exchange) (AIResponse, error)
}

// openAIChatClient serves both OpenAI and xAI, which expose the same
// chat completion API shape.
type openAIChatClient struct {
	vendor string
	cfg    VendorConfig
	client *openai.Client
	logger *slog.Logger
}

func newOpenAIChatClient(
	vendor string,
	cfg VendorConfig,
	httpClient *http.Client,
	handler slog.Handler,
) *openAIChatClient {
	clientConfig := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &openAIChatClient{
		vendor: vendor,
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
		logger: slog.New(handler).With(loggerNameKey, vendor),
	}
}

// NewOpenAIClient returns a client for OpenAI's chat completion API.
func NewOpenAIClient(
	cfg VendorConfig,
	httpClient *http.Client,
	handler slog.Handler,
) AIClient {
	return newOpenAIChatClient(RouteGPT, cfg, httpClient, handler)
}

// NewGrokClient returns a client for xAI's OpenAI-compatible API.
// VendorConfig.BaseURL should point at the xAI endpoint.
func NewGrokClient(
	cfg VendorConfig,
	httpClient *http.Client,
	handler slog.Handler,
) AIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGrokBaseURL
	}
	return newOpenAIChatClient(RouteGrok, cfg, httpClient, handler)
}

func (c *openAIChatClient) Vendor() string {
	return c.vendor
}

func (c *openAIChatClient) Ask(
	ctx context.Context,
	prompt string,
	history []Exchange,
) (AIResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2*len(history)+2)
	if c.cfg.SystemPrompt != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.cfg.SystemPrompt,
			},
		)
	}
	for _, exchange := range history {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: exchange.Prompt,
			},
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: exchange.Reply,
			},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		},
	)

	req := openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	}
	if c.cfg.Temperature >= 0 {
		req.Temperature = c.cfg.Temperature
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return AIResponse{}, fmt.Errorf("%s completion: %w", c.vendor, err)
	}
	if len(resp.Choices) == 0 {
		return AIResponse{}, fmt.Errorf("%s completion: empty choices", c.vendor)
	}
	c.logger.DebugContext(
		ctx,
		"completion finished",
		"model", resp.Model,
		"duration", time.Since(started),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	return AIResponse{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		Vendor:           c.vendor,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// anthropicClient talks to the Anthropic messages API directly.
type anthropicClient struct {
	cfg        VendorConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient returns a client for the Anthropic messages API.
func NewAnthropicClient(
	cfg VendorConfig,
	httpClient *http.Client,
	handler slog.Handler,
) AIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultAnthropicMaxToken
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &anthropicClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     slog.New(handler).With(loggerNameKey, RouteClaude),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *anthropicClient) Vendor() string {
	return RouteClaude
}

func (c *anthropicClient) Ask(
	ctx context.Context,
	prompt string,
	history []Exchange,
) (AIResponse, error) {
	messages := make([]anthropicMessage, 0, 2*len(history)+1)
	for _, exchange := range history {
		messages = append(
			messages,
			anthropicMessage{Role: "user", Content: exchange.Prompt},
			anthropicMessage{Role: "assistant", Content: exchange.Reply},
		)
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(
		anthropicRequest{
			Model:       c.cfg.Model,
			MaxTokens:   c.cfg.MaxTokens,
			System:      c.cfg.SystemPrompt,
			Messages:    messages,
			Temperature: c.cfg.Temperature,
		},
	)
	if err != nil {
		return AIResponse{}, fmt.Errorf("claude marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		bytes.NewReader(payload),
	)
	if err != nil {
		return AIResponse{}, fmt.Errorf("claude create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.Token)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AIResponse{}, fmt.Errorf("claude request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AIResponse{}, fmt.Errorf("claude read response: %w", err)
	}

	var parsed anthropicResponse
	if err = json.Unmarshal(body, &parsed); err != nil {
		return AIResponse{}, fmt.Errorf(
			"claude parse response (status %d): %w",
			resp.StatusCode,
			err,
		)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return AIResponse{}, fmt.Errorf(
				"claude API error (status %d): %s: %s",
				resp.StatusCode,
				parsed.Error.Type,
				parsed.Error.Message,
			)
		}
		return AIResponse{}, fmt.Errorf(
			"claude API error (status %d): %s",
			resp.StatusCode,
			truncate(string(body), 200),
		)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return AIResponse{}, fmt.Errorf("claude response: no text content")
	}

	return AIResponse{
		Text:             text.String(),
		Model:            parsed.Model,
		Vendor:           RouteClaude,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}, nil
}

// geminiClient wraps the Google GenAI SDK.
type geminiClient struct {
	cfg    VendorConfig
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient returns a client for the Gemini API.
func NewGeminiClient(
	ctx context.Context,
	cfg VendorConfig,
	handler slog.Handler,
) (AIClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiClient{
		cfg:    cfg,
		client: client,
		logger: slog.New(handler).With(loggerNameKey, RouteGemini),
	}, nil
}

func (c *geminiClient) Vendor() string {
	return RouteGemini
}

func (c *geminiClient) Ask(
	ctx context.Context,
	prompt string,
	history []Exchange,
) (AIResponse, error) {
	contents := make([]*genai.Content, 0, 2*len(history)+1)
	for _, exchange := range history {
		contents = append(
			contents,
			genai.NewContentFromText(exchange.Prompt, genai.RoleUser),
			genai.NewContentFromText(exchange.Reply, genai.RoleModel),
		)
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	generateConfig := &genai.GenerateContentConfig{}
	if c.cfg.SystemPrompt != "" {
		generateConfig.SystemInstruction = genai.NewContentFromText(
			c.cfg.SystemPrompt,
			genai.RoleUser,
		)
	}
	if c.cfg.Temperature >= 0 {
		generateConfig.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	if c.cfg.MaxTokens > 0 {
		generateConfig.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(
		ctx,
		c.cfg.Model,
		contents,
		generateConfig,
	)
	if err != nil {
		return AIResponse{}, fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return AIResponse{}, fmt.Errorf("gemini response: no text content")
	}

	result := AIResponse{
		Text:   text,
		Model:  c.cfg.Model,
		Vendor: RouteGemini,
	}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// ClientRegistry maps route keywords to vendor clients. Vendors without
// a configured token are left out.
type ClientRegistry struct {
	clients      map[string]AIClient
	defaultRoute string
}

// NewClientRegistry builds clients for every vendor with a token set.
func NewClientRegistry(
	ctx context.Context,
	cfg *AIConfig,
	httpClient *http.Client,
	handler slog.Handler,
) (*ClientRegistry, error) {
	registry := &ClientRegistry{
		clients:      map[string]AIClient{},
		defaultRoute: cfg.DefaultVendor,
	}

	if cfg.OpenAI.Token != "" {
		registry.clients[RouteGPT] = NewOpenAIClient(
			cfg.OpenAI,
			httpClient,
			handler,
		)
	}
	if cfg.Grok.Token != "" {
		registry.clients[RouteGrok] = NewGrokClient(
			cfg.Grok,
			httpClient,
			handler,
		)
	}
	if cfg.Anthropic.Token != "" {
		registry.clients[RouteClaude] = NewAnthropicClient(
			cfg.Anthropic,
			httpClient,
			handler,
		)
	}
	if cfg.Gemini.Token != "" {
		gemini, err := NewGeminiClient(ctx, cfg.Gemini, handler)
		if err != nil {
			return nil, err
		}
		registry.clients[RouteGemini] = gemini
	}

	if len(registry.clients) == 0 {
		return nil, fmt.Errorf("no AI vendor tokens configured")
	}
	if _, ok := registry.clients[registry.defaultRoute]; !ok {
		for route := range registry.clients {
			registry.defaultRoute = route
			break
		}
	}
	return registry, nil
}

// Resolve returns the client for a route keyword. An empty route
// resolves to the default vendor.
func (r *ClientRegistry) Resolve(route string) (AIClient, bool) {
	if route == "" {
		route = r.defaultRoute
	}
	client, ok := r.clients[strings.ToLower(route)]
	return client, ok
}

// DefaultRoute returns the route used for bare mentions.
func (r *ClientRegistry) DefaultRoute() string {
	return r.defaultRoute
}

// Routes returns the configured route keywords.
func (r *ClientRegistry) Routes() []string {
	routes := make([]string, 0, len(r.clients))
	for route := range r.clients {
		routes = append(routes, route)
	}
	return routes
}

// requestLimiter throttles AI requests per user with a token bucket
// sized to the configured rolling window.
type requestLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	window   time.Duration
}

func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	if limit <= 0 {
		limit = DefaultRequestLimit
	}
	if window <= 0 {
		window = DefaultRequestLimitWindow
	}
	return &requestLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether userID may make another request right now.
func (l *requestLimiter) Allow(userID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(l.window/time.Duration(l.limit)),
			l.limit,
		)
		l.limiters[userID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
