// Package ingest turns the markdown book summaries file into indexed catalog documents.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// MinEntries is the smallest catalog the pipeline accepts
const MinEntries = 10

var ErrTooFewEntries = errors.New("too few book entries")

var (
	titleHeader = regexp.MustCompile(`(?m)^##\s*Title:\s*`)
	themesLine  = regexp.MustCompile(`(?mi)^Themes:\s*(.+)$`)
	themeSep    = regexp.MustCompile(`[,|]`)
	nonSlug     = regexp.MustCompile(`[^a-z0-9]+`)
)

// Entry is one parsed book block
type Entry struct {
	Title   string
	Summary string
	Themes  []string
}

// Parse reads blocks of the form
//
//	## Title: 1984
//	<summary lines>
//	Themes: surveillance, totalitarianism | freedom
//
// Text before the first header and blocks missing a title or summary are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read summaries: %w", err)
	}
	text := string(raw)

	headers := titleHeader.FindAllStringIndex(text, -1)
	entries := make([]Entry, 0, len(headers))
	for i, h := range headers {
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		if e, ok := parseBlock(text[h[1]:end]); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func parseBlock(block string) (Entry, bool) {
	block = strings.TrimSpace(block)
	titleLine, rest, _ := strings.Cut(block, "\n")
	title := strings.TrimSpace(titleLine)

	var themes []string
	summaryText := rest
	if m := themesLine.FindStringSubmatchIndex(rest); m != nil {
		for _, t := range themeSep.Split(rest[m[2]:m[3]], -1) {
			if t = strings.TrimSpace(t); t != "" {
				themes = append(themes, t)
			}
		}
		summaryText = rest[:m[0]]
	}

	var lines []string
	for _, ln := range strings.Split(summaryText, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	summary := strings.Join(lines, "\n")

	if title == "" || summary == "" {
		return Entry{}, false
	}
	return Entry{Title: title, Summary: summary, Themes: themes}, true
}

// ThemesString joins themes with ", ", or returns nil when there are none
func (e Entry) ThemesString() *string {
	if len(e.Themes) == 0 {
		return nil
	}
	s := strings.Join(e.Themes, ", ")
	return &s
}

// BuildDocument renders the searchable text of an entry
func BuildDocument(e Entry) string {
	doc := "Title: " + e.Title + "\nSummary: " + e.Summary
	if themes := e.ThemesString(); themes != nil {
		doc += "\nThemes: " + *themes
	}
	return doc
}

// Slugify derives a document id from a title
func Slugify(text string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "untitled"
	}
	return s
}
