package llm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/retry"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGeminiContents_MapsRolesAndMergesToolResults(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "c1", Kind: models.ToolCallFunction, Name: "get_summary_by_title", Arguments: `{"title":"Dune"}`},
		{ID: "c2", Kind: models.ToolCallFunction, Name: "get_summary_by_title", Arguments: `{"title":"1984"}`},
	}
	msgs := []models.Message{
		models.SystemMessage("be helpful"),
		models.UserMessage("recommend"),
		models.AssistantMessage(nil, calls),
		models.ToolMessage("c1", "get_summary_by_title", `{"title":"Dune","summary":"s","match_score":1}`),
		models.ToolMessage("c2", "get_summary_by_title", `not json`),
	}

	system, contents, err := toGeminiContents(msgs)
	require.NoError(t, err)
	require.NotNil(t, system)
	assert.Equal(t, []genai.Part{genai.Text("be helpful")}, system.Parts)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	fc, ok := contents[1].Parts[0].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "Dune", fc.Args["title"])

	assert.Equal(t, "user", contents[2].Role)
	require.Len(t, contents[2].Parts, 2)
	fr := contents[2].Parts[1].(genai.FunctionResponse)
	assert.Equal(t, map[string]any{"content": "not json"}, fr.Response)
}

func TestToGeminiContents_RejectsTrailingModelTurn(t *testing.T) {
	text := "hi"
	_, _, err := toGeminiContents([]models.Message{models.UserMessage("q"), models.AssistantMessage(&text, nil)})
	assert.Error(t, err)

	_, _, err = toGeminiContents([]models.Message{models.SystemMessage("only system")})
	assert.Error(t, err)
}

func TestArgsMap(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"object", `{"title":"Dune"}`, map[string]any{"title": "Dune"}},
		{"empty", "", map[string]any{}},
		{"truncated", `{"title":"Du`, map[string]any{"_raw": `{"title":"Du`}},
		{"not an object", `["Dune"]`, map[string]any{"_raw": `["Dune"]`}},
		{"null", `null`, map[string]any{"_raw": `null`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, argsMap(tt.raw))
		})
	}
}

func TestFromGeminiCandidate(t *testing.T) {
	c := &genai.Candidate{
		Content: &genai.Content{Role: "model", Parts: []genai.Part{
			genai.FunctionCall{Name: "get_summary_by_title", Args: map[string]any{"title": "Dune"}},
		}},
		FinishReason: genai.FinishReasonStop,
	}
	resp := fromGeminiCandidate(c)
	assert.Nil(t, resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	call := resp.Message.ToolCalls[0]
	assert.True(t, strings.HasPrefix(call.ID, "call_"))
	assert.Equal(t, models.ToolCallFunction, call.Kind)
	assert.JSONEq(t, `{"title":"Dune"}`, call.Arguments)

	text := fromGeminiCandidate(&genai.Candidate{Content: &genai.Content{Parts: []genai.Part{genai.Text("Read "), genai.Text("Dune.")}}})
	assert.Equal(t, "Read Dune.", text.Message.Text())
	assert.Equal(t, models.RoleAssistant, text.Message.Role)
}

func TestToGeminiTools(t *testing.T) {
	tools := toGeminiTools([]models.ToolDeclaration{{
		Name:        "get_summary_by_title",
		Description: "d",
		Parameters: models.ToolParameters{
			Type:       "object",
			Properties: map[string]models.ToolParam{"title": {Type: "string", Description: "t"}},
			Required:   []string{"title"},
		},
	}})
	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	fn := tools[0].FunctionDeclarations[0]
	assert.Equal(t, genai.TypeObject, fn.Parameters.Type)
	assert.Equal(t, genai.TypeString, fn.Parameters.Properties["title"].Type)
	assert.Equal(t, []string{"title"}, fn.Parameters.Required)
}

func TestClassifyGeminiError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"googleapi 429", &googleapi.Error{Code: 429}, true},
		{"googleapi 500", &googleapi.Error{Code: 500}, true},
		{"googleapi 400", &googleapi.Error{Code: 400}, false},
		{"googleapi 403", &googleapi.Error{Code: 403}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyGeminiError(fmt.Errorf("gemini: %w", tt.err))
			assert.Equal(t, tt.transient, retry.IsTransient(err))
		})
	}
}
