// Package search wraps the web search provider and the batch dispatcher
// that fans query lists out with bounded concurrency.
package search

import "context"

// Result is one raw web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"link"`
	Snippet string `json:"snippet"`
}

// Provider returns up to maxResults hits for a query string.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}
