package models

// RetrievedItem is a single nearest-neighbour hit from the similarity index
type RetrievedItem struct {
	ID       string  `json:"id"`
	Document string  `json:"document"`
	Title    string  `json:"title"`
	Themes   *string `json:"themes"` // comma-joined
	Source   string  `json:"source"`
	Distance float64 `json:"distance"` // lower is more similar
}

// RetrievalView is the projection of a RetrievedItem returned to callers
type RetrievalView struct {
	Title    string  `json:"title"`
	Themes   *string `json:"themes"`
	Distance float64 `json:"distance"`
}

// View projects the item to its externally visible fields
func (r RetrievedItem) View() RetrievalView {
	return RetrievalView{
		Title:    r.Title,
		Themes:   r.Themes,
		Distance: r.Distance,
	}
}
