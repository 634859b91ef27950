package actions

import (
	"sort"
	"time"
)

// TaskKind names a search task that can be enabled in configuration.
type TaskKind string

const (
	GoogleSearch    TaskKind = "google_search"
	WikipediaSearch TaskKind = "wikipedia_search"
)

// Site is the target of a search task.
type Site struct {
	Kind TaskKind
	Name string
	URL  string
	Load Range
	// FocusTabs is the number of tab presses needed to reach the search field.
	FocusTabs int
}

var catalog = map[TaskKind]Site{
	GoogleSearch: {
		Kind:      GoogleSearch,
		Name:      "Google",
		URL:       "https://www.google.com",
		Load:      Range{Min: 5 * time.Second, Max: 7 * time.Second},
		FocusTabs: 5,
	},
	WikipediaSearch: {
		Kind: WikipediaSearch,
		Name: "Wikipedia",
		URL:  "https://www.wikipedia.org",
		Load: Range{Min: 5 * time.Second, Max: 8 * time.Second},
	},
}

// Lookup returns the default site for kind.
func Lookup(kind TaskKind) (Site, bool) {
	s, ok := catalog[kind]
	return s, ok
}

// Kinds lists every known task kind in a stable order.
func Kinds() []TaskKind {
	kinds := make([]TaskKind, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
