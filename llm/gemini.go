package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/retry"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini caps batchEmbedContents at 100 requests
const geminiEmbedBatchSize = 100

// GeminiConfig configures the Gemini client
type GeminiConfig struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Temperature    float32
}

// GeminiClient implements ChatClient and Embedder on the Gemini SDK
type GeminiClient struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	temperature    float32
}

// NewGeminiClient opens an SDK client authenticated with the API key
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gemini-1.5-flash"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	return &GeminiClient{
		client:         client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
	}, nil
}

// Close releases the SDK connection
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// Chat replays the conversation as chat history and sends the last turn
func (g *GeminiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	name := g.chatModel
	if req.Model != "" {
		name = req.Model
	}
	model := g.client.GenerativeModel(name)
	temp := g.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	model.SetTemperature(temp)
	if len(req.Tools) > 0 {
		model.Tools = toGeminiTools(req.Tools)
	}

	system, contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	model.SystemInstruction = system

	last := contents[len(contents)-1]
	session := model.StartChat()
	session.History = contents[:len(contents)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, classifyGeminiError(fmt.Errorf("gemini: generate content: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrNoChoices
	}
	return fromGeminiCandidate(resp.Candidates[0]), nil
}

// Embed embeds texts in batches, preserving input order
func (g *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	em := g.client.EmbeddingModel(g.embeddingModel)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiEmbedBatchSize {
		end := min(start+geminiEmbedBatchSize, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, classifyGeminiError(fmt.Errorf("gemini: batch embed: %w", err))
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini: expected %d embeddings, got %d", end-start, len(res.Embeddings))
		}
		for _, e := range res.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

// toGeminiContents splits out system text and maps the remaining turns onto
// Gemini roles. Consecutive tool results become one user turn of function responses.
func toGeminiContents(msgs []models.Message) (*genai.Content, []*genai.Content, error) {
	var systemParts []string
	var contents []*genai.Content

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, m.Text())

		case models.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Text())}})

		case models.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if text := m.Text(); text != "" {
				c.Parts = append(c.Parts, genai.Text(text))
			}
			for _, tc := range m.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: argsMap(tc.Arguments)})
			}
			contents = append(contents, c)

		case models.RoleTool:
			part := genai.FunctionResponse{Name: m.Name, Response: responseMap(m.Text())}
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})

		default:
			return nil, nil, fmt.Errorf("gemini: unsupported message role %q", m.Role)
		}
	}

	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: conversation has no user turn")
	}
	if contents[len(contents)-1].Role != "user" {
		return nil, nil, errors.New("gemini: conversation must end with a user or tool turn")
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))}}
	}
	return system, contents, nil
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return len(c.Parts) > 0
}

// argsMap decodes tool-call arguments for replay. Arguments that are not a
// JSON object are kept verbatim under "_raw".
func argsMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// responseMap wraps non-object tool output so it fits the response struct
func responseMap(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"content": content}
}

func fromGeminiCandidate(c *genai.Candidate) *ChatResponse {
	var text strings.Builder
	var calls []models.ToolCall
	hasText := false

	if c.Content != nil {
		for _, p := range c.Content.Parts {
			switch v := p.(type) {
			case genai.Text:
				text.WriteString(string(v))
				hasText = true
			case genai.FunctionCall:
				args, err := json.Marshal(v.Args)
				if err != nil || v.Args == nil {
					args = []byte("{}")
				}
				calls = append(calls, models.ToolCall{
					ID:        "call_" + uuid.New().String(),
					Kind:      models.ToolCallFunction,
					Name:      v.Name,
					Arguments: string(args),
				})
			}
		}
	}

	var content *string
	if hasText {
		s := text.String()
		content = &s
	}
	return &ChatResponse{
		Message:      models.AssistantMessage(content, calls),
		FinishReason: c.FinishReason.String(),
	}
}

func toGeminiTools(decls []models.ToolDeclaration) []*genai.Tool {
	fns := make([]*genai.FunctionDeclaration, len(decls))
	for i, d := range decls {
		props := make(map[string]*genai.Schema, len(d.Parameters.Properties))
		for name, p := range d.Parameters.Properties {
			props[name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
		}
		fns[i] = &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   d.Parameters.Required,
			},
		}
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func schemaType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

// classifyGeminiError marks rate limits, server errors and deadlines as transient.
// The SDK surfaces errors either as googleapi errors or as gRPC statuses.
func classifyGeminiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code, err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
			return retry.Transient(err)
		case codes.OK, codes.Unknown:
			// not a gRPC status at all
		default:
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient(err)
	}
	return classifyTransportError(err)
}

