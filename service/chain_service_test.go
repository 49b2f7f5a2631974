package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"smartlibrarian-backend/llm"
	"smartlibrarian-backend/models"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/tools"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	items []models.RetrievedItem
	err   error
	topK  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, topK int) ([]models.RetrievedItem, error) {
	f.topK = topK
	return f.items, f.err
}

// scriptedChat returns queued responses in order and records every request
type scriptedChat struct {
	responses []*llm.ChatResponse
	errs      []error
	requests  []llm.ChatRequest
}

func (s *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("unexpected chat call")
	}
	return s.responses[i], nil
}

type staticSource struct{ catalog *resolver.Catalog }

func (s staticSource) Catalog(context.Context) (*resolver.Catalog, error) { return s.catalog, nil }

func newDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	c, err := resolver.NewCatalog([]models.CatalogEntry{
		{Title: "Dune", FullSummary: "Paul Atreides on Arrakis."},
		{Title: "The Hobbit", FullSummary: "Bilbo's journey."},
		{Title: "Harry Potter and the Sorcerer's Stone", FullSummary: "A boy learns he is a wizard."},
	})
	require.NoError(t, err)
	return tools.NewDispatcher(resolver.NewResolver(staticSource{catalog: c}))
}

// recordingDispatcher records the arguments of every dispatched call
type recordingDispatcher struct {
	ToolDispatcher
	arguments []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, name, argumentsJSON string) (*models.ToolResult, error) {
	d.arguments = append(d.arguments, argumentsJSON)
	return d.ToolDispatcher.Dispatch(ctx, name, argumentsJSON)
}

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: models.AssistantMessage(&s, nil), FinishReason: "stop"}
}

func toolCalls(calls ...models.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: models.AssistantMessage(nil, calls), FinishReason: "tool_calls"}
}

func summaryCall(id, title string) models.ToolCall {
	args, _ := json.Marshal(map[string]string{"title": title})
	return models.ToolCall{ID: id, Kind: models.ToolCallFunction, Name: "get_summary_by_title", Arguments: string(args)}
}

func twoItems() []models.RetrievedItem {
	themes := "politics"
	return []models.RetrievedItem{
		{ID: "dune", Title: "Dune", Themes: &themes, Document: "Title: Dune\nSummary: Spice.", Distance: 0.1},
		{ID: "the-hobbit", Title: "The Hobbit", Document: "Title: The Hobbit\nSummary: Dragons.", Distance: 0.3},
	}
}

func TestRun_DirectAnswerDefaultsToTopItem(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{text("  Try Dune.  ")}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "desert politics"})
	require.NoError(t, err)

	assert.Equal(t, "Try Dune.", res.Content)
	require.NotNil(t, res.ChosenTitle)
	assert.Equal(t, "Dune", *res.ChosenTitle)
	assert.Nil(t, res.FullSummary)
	assert.Nil(t, res.ToolMatchScore)
	require.Len(t, res.Retrieval, 2)
	assert.Equal(t, models.RetrievalView{Title: "The Hobbit", Distance: 0.3}, res.Retrieval[1])
	assert.Len(t, chat.requests, 1)
}

func TestRun_ToolCallPopulatesResultAndUsesFinalTurn(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(summaryCall("call_1", "harry potter sorcerers stone")),
		text("Harry Potter is a great fit.\n"),
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
		ChainWithTemperature(0.2),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "magic school", Model: "gpt-4o"})
	require.NoError(t, err)

	assert.Equal(t, "Harry Potter is a great fit.", res.Content)
	require.NotNil(t, res.ChosenTitle)
	assert.Equal(t, "Harry Potter and the Sorcerer's Stone", *res.ChosenTitle)
	require.NotNil(t, res.FullSummary)
	assert.Equal(t, "A boy learns he is a wizard.", *res.FullSummary)
	require.NotNil(t, res.ToolMatchScore)
	assert.GreaterOrEqual(t, *res.ToolMatchScore, 0.72)
	assert.Less(t, *res.ToolMatchScore, 1.0)

	require.Len(t, chat.requests, 2)
	for _, req := range chat.requests {
		assert.Equal(t, "gpt-4o", req.Model)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 0.2, *req.Temperature, 1e-6)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "get_summary_by_title", req.Tools[0].Name)
	}

	first := chat.requests[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, models.RoleSystem, first[0].Role)
	assert.Contains(t, first[1].Text(), "- Title: Dune\n  Themes: politics\n  Short Summary: Spice.")

	second := chat.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, models.RoleAssistant, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCalls[0].ID)
	assert.Equal(t, models.RoleTool, second[3].Role)
	assert.Equal(t, "call_1", second[3].ToolCallID)

	var payload models.ToolResult
	require.NoError(t, json.Unmarshal([]byte(second[3].Text()), &payload))
	assert.Equal(t, "Harry Potter and the Sorcerer's Stone", payload.Title)
}

func TestRun_EmptyRetrievalStillCompletes(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{text("The context is insufficient.")}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Nil(t, res.ChosenTitle)
	assert.Empty(t, res.Retrieval)
	assert.Contains(t, chat.requests[0].Messages[1].Text(), "Short Summary):\n\n\nInstructions:")
}

func TestRun_LastHonoredCallWinsAndOthersIgnored(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(
			summaryCall("c1", "Dune"),
			models.ToolCall{ID: "c2", Kind: models.ToolCallFunction, Name: "search_web", Arguments: `{}`},
			models.ToolCall{ID: "c3", Kind: "retrieval", Name: "get_summary_by_title", Arguments: `{"title":"Dune"}`},
			summaryCall("c4", "The Hobbit"),
		),
		text("done"),
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "The Hobbit", *res.ChosenTitle)
	assert.Equal(t, 1.0, *res.ToolMatchScore)

	second := chat.requests[1].Messages
	var toolIDs []string
	for _, m := range second {
		if m.Role == models.RoleTool {
			toolIDs = append(toolIDs, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"c1", "c4"}, toolIDs)
}

func TestRun_OnlyIgnoredCallsStillRunsFinalTurn(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(models.ToolCall{ID: "x", Kind: models.ToolCallFunction, Name: "other", Arguments: `{}`}),
		text("final"),
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "final", res.Content)
	assert.Nil(t, res.ChosenTitle)
	assert.Len(t, chat.requests, 2)
}

func TestRun_FinalTurnToolCallsIgnored(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(summaryCall("c1", "Dune")),
		{Message: models.AssistantMessage(nil, []models.ToolCall{summaryCall("c2", "The Hobbit")})},
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Content)
	assert.Equal(t, "Dune", *res.ChosenTitle)
	assert.Len(t, chat.requests, 2)
}

func TestRun_ToolFailureAbortsByDefault(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(summaryCall("c1", "This Title Does Not Exist"), summaryCall("c2", "Dune")),
	}}
	dispatcher := &recordingDispatcher{ToolDispatcher: newDispatcher(t)}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(dispatcher),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainExecution)
	assert.ErrorIs(t, err, tools.ErrLookupFailed)

	var chainErr *ChainError
	require.True(t, errors.As(err, &chainErr))
	assert.Equal(t, StageTool, chainErr.Stage)
	assert.Len(t, chat.requests, 1)

	// the failed lookup does not stop the rest of the batch
	require.Len(t, dispatcher.arguments, 2)
	assert.Contains(t, dispatcher.arguments[0], "This Title Does Not Exist")
	assert.Contains(t, dispatcher.arguments[1], "Dune")
}

func TestRun_SwallowLookupFailures(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(summaryCall("c1", "Dune"), summaryCall("c2", "This Title Does Not Exist")),
		text("Dune it is."),
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
		ChainWithToolFailureHandler(SwallowLookupFailures),
	)

	res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Dune", *res.ChosenTitle)

	last := chat.requests[1].Messages[len(chat.requests[1].Messages)-1]
	assert.Equal(t, "c2", last.ToolCallID)
	assert.True(t, strings.Contains(last.Text(), `"error"`))
}

func TestRun_SwallowDoesNotHideValidationErrors(t *testing.T) {
	chat := &scriptedChat{responses: []*llm.ChatResponse{
		toolCalls(models.ToolCall{ID: "c1", Kind: models.ToolCallFunction, Name: "get_summary_by_title", Arguments: `{"title":""}`}),
	}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
		ChainWithToolFailureHandler(SwallowLookupFailures),
	)

	_, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	assert.ErrorIs(t, err, tools.ErrValidation)
}

func TestRun_StageErrors(t *testing.T) {
	tests := []struct {
		name      string
		retriever *fakeRetriever
		chat      *scriptedChat
		stage     Stage
	}{
		{
			name:      "retrieve",
			retriever: &fakeRetriever{err: errors.New("index down")},
			chat:      &scriptedChat{},
			stage:     StageRetrieve,
		},
		{
			name:      "first turn",
			retriever: &fakeRetriever{items: twoItems()},
			chat:      &scriptedChat{errs: []error{errors.New("rate limited")}},
			stage:     StageFirstTurn,
		},
		{
			name:      "final turn",
			retriever: &fakeRetriever{items: twoItems()},
			chat: &scriptedChat{
				responses: []*llm.ChatResponse{toolCalls(summaryCall("c1", "Dune"))},
				errs:      []error{nil, errors.New("timeout")},
			},
			stage: StageFinalTurn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewChainService(
				ChainWithRetriever(tt.retriever),
				ChainWithChatClient(tt.chat),
				ChainWithDispatcher(newDispatcher(t)),
			)
			res, err := svc.Run(context.Background(), RunRequest{Query: "q"})
			assert.Nil(t, res)
			var chainErr *ChainError
			require.True(t, errors.As(err, &chainErr))
			assert.Equal(t, tt.stage, chainErr.Stage)
			assert.ErrorIs(t, err, ErrChainExecution)
		})
	}
}

func TestRun_RequestValidation(t *testing.T) {
	retriever := &fakeRetriever{}
	svc := NewChainService(
		ChainWithRetriever(retriever),
		ChainWithChatClient(&scriptedChat{responses: []*llm.ChatResponse{text("ok")}}),
		ChainWithDispatcher(newDispatcher(t)),
		ChainWithTopK(3),
	)

	_, err := svc.Run(context.Background(), RunRequest{Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Run(context.Background(), RunRequest{Query: "q", TopK: MaxTopK + 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Run(context.Background(), RunRequest{Query: "q", TopK: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 3, retriever.topK)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	chat := &scriptedChat{responses: []*llm.ChatResponse{toolCalls(summaryCall("c1", "Dune")), text("ok")}}
	svc := NewChainService(
		ChainWithRetriever(&fakeRetriever{items: twoItems()}),
		ChainWithChatClient(chat),
		ChainWithDispatcher(newDispatcher(t)),
		ChainWithMetrics(metrics),
	)

	_, err := svc.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counters := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				counters[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, counters["librarian_chain_runs_total"])
	assert.Equal(t, 1.0, counters["librarian_tool_calls_total"])
}
