package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/retry"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI wire types

type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Parameters  models.ToolParameters `json:"parameters"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *openaiError `json:"error,omitempty"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *openaiError `json:"error,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible client
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string // optional, for compatible proxies
	ChatModel      string
	EmbeddingModel string
	Temperature    float32
	HTTPClient     *http.Client
}

// OpenAIClient talks to the OpenAI chat completions and embeddings REST APIs
type OpenAIClient struct {
	httpClient     *http.Client
	apiKey         string
	baseURL        string
	chatModel      string
	embeddingModel string
	temperature    float32
}

// NewOpenAIClient creates a client from explicit configuration
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	return &OpenAIClient{
		httpClient:     httpClient,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
	}
}

// Chat runs one chat completion, offering tools when any are given
func (o *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := o.chatModel
	if req.Model != "" {
		model = req.Model
	}
	temp := o.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	body := openaiChatRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: &temp,
	}
	if len(req.Tools) > 0 {
		body.Tools = toOpenAITools(req.Tools)
		body.ToolChoice = "auto"
	}

	var resp openaiChatResponse
	if err := o.post(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: choice.FinishReason,
	}, nil
}

// Embed creates one embedding per input text
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	var resp openaiEmbeddingResponse
	err := o.post(ctx, "/embeddings", openaiEmbeddingRequest{Model: o.embeddingModel, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (o *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("openai: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(fmt.Errorf("openai: failed to send request: %w", err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transient(fmt.Errorf("openai: failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode,
			fmt.Errorf("openai: API error: %d - %s", resp.StatusCode, truncate(string(bodyBytes), 500)))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("openai: failed to decode response: %w", err)
	}
	return nil
}

// classifyTransportError treats timeouts and dropped connections as transient.
// Context cancellation by the caller is not retried.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return retry.Transient(err)
	}
	return err
}

func toOpenAIMessages(msgs []models.Message) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		om := openaiMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: string(tc.Kind),
				Function: openaiCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out[i] = om
	}
	return out
}

func fromOpenAIMessage(m openaiMessage) models.Message {
	var calls []models.ToolCall
	for _, tc := range m.ToolCalls {
		calls = append(calls, models.ToolCall{
			ID:        tc.ID,
			Kind:      models.ToolCallKind(tc.Type),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	role := models.Role(m.Role)
	if role == "" {
		role = models.RoleAssistant
	}
	return models.Message{Role: role, Content: m.Content, ToolCalls: calls}
}

func toOpenAITools(decls []models.ToolDeclaration) []openaiTool {
	out := make([]openaiTool, len(decls))
	for i, d := range decls {
		out[i] = openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
