package models

// ToolDeclaration describes a callable tool to the language model.
// Follows the function calling JSON schema shape.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON schema of a tool's arguments object
type ToolParameters struct {
	Type                 string               `json:"type"`
	Properties           map[string]ToolParam `json:"properties"`
	Required             []string             `json:"required"`
	AdditionalProperties bool                 `json:"additionalProperties"`
}

// ToolParam is the JSON schema of a single argument
type ToolParam struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolResult is the payload produced by an honored tool call
type ToolResult struct {
	Title      string  `json:"title"`
	Summary    string  `json:"summary"`
	MatchScore float64 `json:"match_score"`
}
