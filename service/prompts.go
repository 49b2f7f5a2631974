package service

import "strings"

// SystemPrompt instructs the model to pick one title from context and confirm it with the tool
const SystemPrompt = "You are Smart Librarian, a helpful assistant that recommends exactly ONE book " +
	"from the provided context. Answer in English. " +
	"Base your choice ONLY on the retrieved context items; do not invent titles that are not present. " +
	"Briefly justify why the selected title matches the user's request. " +
	"After deciding the title, you SHOULD call the tool get_summary_by_title with that exact title " +
	"to include the full summary in the final answer. " +
	"Be concise, helpful, and avoid spoilers beyond the provided full summary."

const userTemplate = "User request:\n{query}\n\n" +
	"Retrieved context (each item shows Title / Themes / Short Summary):\n" +
	"{context}\n\n" +
	"Instructions:\n" +
	"- Recommend exactly ONE title from the context above.\n" +
	"- Explain your reasoning briefly (1-3 sentences).\n" +
	"- Then call the tool get_summary_by_title(title) for the chosen title.\n" +
	"- If the context is insufficient, say so explicitly."

// BuildUserPrompt embeds the query and the formatted context block
func BuildUserPrompt(query, context string) string {
	r := strings.NewReplacer("{query}", query, "{context}", context)
	return r.Replace(userTemplate)
}
