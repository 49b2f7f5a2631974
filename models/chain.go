package models

// ChainResult is the sole externally returned value of one chain run
type ChainResult struct {
	Content        string          `json:"content"`
	ChosenTitle    *string         `json:"chosen_title"`
	FullSummary    *string         `json:"full_summary"`
	ToolMatchScore *float64        `json:"tool_match_score"`
	Retrieval      []RetrievalView `json:"retrieval"`
}
