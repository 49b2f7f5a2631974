package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartlibrarian-backend/llm"
	"smartlibrarian-backend/models"
	"smartlibrarian-backend/repository"
	"smartlibrarian-backend/tools"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTopK = 5
	MaxTopK     = repository.MaxTopK

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Stage names the pipeline step a chain run failed in
type Stage string

const (
	StageRetrieve  Stage = "retrieve"
	StageFirstTurn Stage = "first_turn"
	StageTool      Stage = "tool"
	StageFinalTurn Stage = "final_turn"
)

var (
	ErrChainExecution = errors.New("chain execution failed")
	ErrInvalidRequest = errors.New("invalid recommendation request")
)

// ChainError is a failed chain run. No partial result accompanies it.
type ChainError struct {
	Stage Stage
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s stage failed: %v", e.Stage, e.Err)
}

func (e *ChainError) Unwrap() []error {
	return []error{ErrChainExecution, e.Err}
}

// Retriever fetches ranked context for a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedItem, error)
}

// ToolDispatcher executes model-requested tool calls
type ToolDispatcher interface {
	Declarations() []models.ToolDeclaration
	Dispatch(ctx context.Context, name, argumentsJSON string) (*models.ToolResult, error)
}

// ToolFailureHandler decides the fate of a failed tool call.
// Returning nil swallows the failure; returning an error fails the run.
type ToolFailureHandler func(call models.ToolCall, err error) error

// SwallowLookupFailures answers unresolved titles with an error payload
// and keeps the run going. Validation failures still fail the run.
func SwallowLookupFailures(call models.ToolCall, err error) error {
	if errors.Is(err, tools.ErrLookupFailed) {
		return nil
	}
	return err
}

// ChainService runs retrieval, the tool-call turn and the final answer turn
type ChainService struct {
	retriever   Retriever
	chat        llm.ChatClient
	dispatcher  ToolDispatcher
	topK        int
	temperature *float32
	onToolError ToolFailureHandler
	metrics     *Metrics
	logger      *zap.Logger
}

// ChainServiceOption is a functional option for ChainService
type ChainServiceOption func(*ChainService)

// ChainWithRetriever sets the retrieval adapter
func ChainWithRetriever(r Retriever) ChainServiceOption {
	return func(s *ChainService) {
		s.retriever = r
	}
}

// ChainWithChatClient sets the language model chat client
func ChainWithChatClient(c llm.ChatClient) ChainServiceOption {
	return func(s *ChainService) {
		s.chat = c
	}
}

// ChainWithDispatcher sets the tool dispatcher
func ChainWithDispatcher(d ToolDispatcher) ChainServiceOption {
	return func(s *ChainService) {
		s.dispatcher = d
	}
}

// ChainWithTopK sets the default number of retrieved items
func ChainWithTopK(k int) ChainServiceOption {
	return func(s *ChainService) {
		s.topK = k
	}
}

// ChainWithTemperature sets the sampling temperature for both chat turns
func ChainWithTemperature(t float32) ChainServiceOption {
	return func(s *ChainService) {
		s.temperature = &t
	}
}

// ChainWithToolFailureHandler installs a handler for failed tool calls
func ChainWithToolFailureHandler(h ToolFailureHandler) ChainServiceOption {
	return func(s *ChainService) {
		s.onToolError = h
	}
}

// ChainWithMetrics sets the metrics collectors
func ChainWithMetrics(m *Metrics) ChainServiceOption {
	return func(s *ChainService) {
		s.metrics = m
	}
}

// ChainWithLogger sets the logger
func ChainWithLogger(l *zap.Logger) ChainServiceOption {
	return func(s *ChainService) {
		s.logger = l
	}
}

// NewChainService creates a chain service with the given options
func NewChainService(opts ...ChainServiceOption) *ChainService {
	s := &ChainService{
		topK:   DefaultTopK,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunRequest is one user query. Zero TopK and empty Model use the service defaults.
type RunRequest struct {
	Query string
	TopK  int
	Model string
}

// Run executes one chain run end to end
func (s *ChainService) Run(ctx context.Context, req RunRequest) (*models.ChainResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	topK := req.TopK
	if topK == 0 {
		topK = s.topK
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidRequest, MaxTopK)
	}

	logger := s.logger.With(zap.String("run_id", uuid.NewString()))
	start := time.Now()

	result, err := s.run(ctx, logger, req.Query, topK, req.Model)
	if err != nil {
		s.metrics.observeRun(outcomeFailure, time.Since(start))
		logger.Error("chain run failed", zap.Error(err))
		return nil, err
	}

	s.metrics.observeRun(outcomeSuccess, time.Since(start))
	fields := []zap.Field{zap.Duration("elapsed", time.Since(start))}
	if result.ChosenTitle != nil {
		fields = append(fields, zap.String("chosen_title", *result.ChosenTitle))
	}
	logger.Info("chain run completed", fields...)
	return result, nil
}

func (s *ChainService) run(ctx context.Context, logger *zap.Logger, query string, topK int, model string) (*models.ChainResult, error) {
	// Retrieving
	items, err := s.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, &ChainError{Stage: StageRetrieve, Err: err}
	}
	logger.Debug("retrieval done", zap.Int("hits", len(items)))

	messages := []models.Message{
		models.SystemMessage(SystemPrompt),
		models.UserMessage(BuildUserPrompt(query, FormatContext(items))),
	}
	decls := s.dispatcher.Declarations()

	// AwaitingFirstTurn
	first, err := s.chat.Chat(ctx, s.chatRequest(messages, decls, model))
	if err != nil {
		return nil, &ChainError{Stage: StageFirstTurn, Err: err}
	}

	result := &models.ChainResult{Retrieval: make([]models.RetrievalView, len(items))}
	for i, it := range items {
		result.Retrieval[i] = it.View()
	}

	assistant := first.Message
	if !assistant.HasToolCalls() {
		// DirectAnswer
		result.Content = strings.TrimSpace(assistant.Text())
		if len(items) > 0 && items[0].Title != "" {
			title := items[0].Title
			result.ChosenTitle = &title
		}
		logger.Debug("model answered without tool calls", zap.String("finish_reason", first.FinishReason))
		return result, nil
	}

	// ToolExecuting
	messages = append(messages, assistant)
	toolMessages, err := s.executeToolCalls(ctx, logger, assistant.ToolCalls, decls, result)
	if err != nil {
		return nil, &ChainError{Stage: StageTool, Err: err}
	}
	messages = append(messages, toolMessages...)

	// AwaitingFinalTurn: further tool calls are ignored
	final, err := s.chat.Chat(ctx, s.chatRequest(messages, decls, model))
	if err != nil {
		return nil, &ChainError{Stage: StageFinalTurn, Err: err}
	}
	result.Content = strings.TrimSpace(final.Message.Text())
	return result, nil
}

// executeToolCalls dispatches every honored call in order. The last successful
// call sets the chosen title. A failure does not stop later calls in the batch,
// but the first unhandled failure is returned once the batch is done.
// TODO: confirm with product whether several lookups in one turn should be merged instead of last-wins.
func (s *ChainService) executeToolCalls(
	ctx context.Context,
	logger *zap.Logger,
	calls []models.ToolCall,
	decls []models.ToolDeclaration,
	result *models.ChainResult,
) ([]models.Message, error) {
	honored := make(map[string]bool, len(decls))
	for _, d := range decls {
		honored[d.Name] = true
	}

	var out []models.Message
	var firstErr error
	for _, call := range calls {
		if call.Kind != models.ToolCallFunction || !honored[call.Name] {
			logger.Debug("ignoring tool call", zap.String("name", call.Name), zap.String("kind", string(call.Kind)))
			continue
		}

		res, err := s.dispatcher.Dispatch(ctx, call.Name, call.Arguments)
		if err != nil {
			s.metrics.observeToolCall(outcomeFailure, 0)
			logger.Warn("tool call failed", zap.String("call_id", call.ID), zap.Error(err))

			if s.onToolError != nil {
				herr := s.onToolError(call, err)
				if herr == nil {
					out = append(out, models.ToolMessage(call.ID, call.Name, toolErrorPayload(err)))
					continue
				}
				err = herr
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		payload, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool result: %w", err)
		}
		out = append(out, models.ToolMessage(call.ID, call.Name, string(payload)))

		s.metrics.observeToolCall(outcomeSuccess, res.MatchScore)
		title, summary, score := res.Title, res.Summary, res.MatchScore
		result.ChosenTitle = &title
		result.FullSummary = &summary
		result.ToolMatchScore = &score
		logger.Debug("tool call resolved",
			zap.String("call_id", call.ID),
			zap.String("title", title),
			zap.Float64("match_score", score),
		)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func toolErrorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func (s *ChainService) chatRequest(messages []models.Message, decls []models.ToolDeclaration, model string) llm.ChatRequest {
	// copy so later appends don't alias what a client may have retained
	msgs := make([]models.Message, len(messages))
	copy(msgs, messages)
	return llm.ChatRequest{
		Messages:    msgs,
		Tools:       decls,
		Model:       model,
		Temperature: s.temperature,
	}
}
