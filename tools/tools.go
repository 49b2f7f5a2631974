// Package tools exposes the catalog lookup capabilities the language model may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"smartlibrarian-backend/models"
	"smartlibrarian-backend/resolver"
)

var (
	// ErrValidation covers malformed arguments, unknown tool names and bad titles
	ErrValidation = errors.New("invalid tool call")

	// ErrLookupFailed wraps a resolver NotFound surfaced through a tool call
	ErrLookupFailed = errors.New("tool lookup failed")
)

// Kind is the closed set of tools the dispatcher knows about
type Kind int

const (
	KindUnknown Kind = iota
	KindGetSummaryByTitle
)

var kindNames = map[Kind]string{
	KindGetSummaryByTitle: "get_summary_by_title",
}

// Name returns the wire name of the tool
func (k Kind) Name() string {
	return kindNames[k]
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps a wire name to a Kind. Matching is exact.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Kinds returns every supported tool kind in declaration order
func Kinds() []Kind {
	return []Kind{KindGetSummaryByTitle}
}

// Declaration returns the schema advertised to the language model
func (k Kind) Declaration() models.ToolDeclaration {
	switch k {
	case KindGetSummaryByTitle:
		return models.ToolDeclaration{
			Name:        k.Name(),
			Description: "Return the full summary for a given book title from a local knowledge base.",
			Parameters: models.ToolParameters{
				Type: "object",
				Properties: map[string]models.ToolParam{
					"title": {
						Type:        "string",
						Description: "Exact or approximate book title to look up.",
					},
				},
				Required:             []string{"title"},
				AdditionalProperties: false,
			},
		}
	default:
		return models.ToolDeclaration{}
	}
}

// Declarations returns the schema of every supported tool
func Declarations() []models.ToolDeclaration {
	kinds := Kinds()
	out := make([]models.ToolDeclaration, len(kinds))
	for i, k := range kinds {
		out[i] = k.Declaration()
	}
	return out
}

// Arguments is a parsed, validated argument set for one tool kind
type Arguments interface {
	Kind() Kind
}

// SummaryByTitleArgs are the arguments of get_summary_by_title
type SummaryByTitleArgs struct {
	Title string
}

func (SummaryByTitleArgs) Kind() Kind { return KindGetSummaryByTitle }

// ParseArguments validates raw JSON arguments for a tool kind.
// An empty string is treated as an empty object.
func ParseArguments(kind Kind, raw string) (Arguments, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: arguments for %s must be a JSON object", ErrValidation, kind)
	}

	switch kind {
	case KindGetSummaryByTitle:
		rawTitle, ok := obj["title"]
		if !ok {
			return nil, fmt.Errorf("%w: argument 'title' must be a non-empty string", ErrValidation)
		}
		var title string
		if err := json.Unmarshal(rawTitle, &title); err != nil || strings.TrimSpace(title) == "" {
			return nil, fmt.Errorf("%w: argument 'title' must be a non-empty string", ErrValidation)
		}
		return SummaryByTitleArgs{Title: title}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool %s", ErrValidation, kind)
	}
}

// TitleResolver resolves a possibly imprecise title to a catalog entry
type TitleResolver interface {
	Resolve(ctx context.Context, title string) (*resolver.Resolution, error)
}

// Dispatcher routes tool calls to their implementation
type Dispatcher struct {
	titles TitleResolver
}

// NewDispatcher creates a dispatcher backed by the title resolver
func NewDispatcher(titles TitleResolver) *Dispatcher {
	return &Dispatcher{titles: titles}
}

// Declarations returns the tools this dispatcher can execute
func (d *Dispatcher) Declarations() []models.ToolDeclaration {
	return Declarations()
}

// Dispatch validates and executes one tool call
func (d *Dispatcher) Dispatch(ctx context.Context, name, argumentsJSON string) (*models.ToolResult, error) {
	kind, ok := ParseKind(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrValidation, name)
	}

	args, err := ParseArguments(kind, argumentsJSON)
	if err != nil {
		return nil, err
	}

	switch a := args.(type) {
	case SummaryByTitleArgs:
		return d.summaryByTitle(ctx, a)
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrValidation, name)
	}
}

func (d *Dispatcher) summaryByTitle(ctx context.Context, args SummaryByTitleArgs) (*models.ToolResult, error) {
	res, err := d.titles.Resolve(ctx, args.Title)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
		}
		return nil, err
	}

	return &models.ToolResult{
		Title:      res.Title,
		Summary:    res.Summary,
		MatchScore: roundScore(res.Score, res.Score == resolver.ExactScore),
	}, nil
}

// roundScore rounds to 4 decimals without letting an inexact match reach 1.0
func roundScore(score float64, exact bool) float64 {
	r := math.Round(score*10000) / 10000
	if !exact && r >= 1.0 {
		return 0.9999
	}
	return r
}
