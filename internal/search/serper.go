package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"colloquy/internal/config"
	"colloquy/internal/provider"
)

// SerperClient talks to the serper.dev search API. Responses are cached by
// query text for the configured TTL so repeated queries inside a session
// (the dynamic-search trigger loves to re-ask) don't burn quota.
type SerperClient struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
	cache      *gocache.Cache
	logger     *zap.Logger
}

// NewSerperClient builds a search client from settings.
func NewSerperClient(settings config.SearchSettings, logger *zap.Logger) *SerperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := settings.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SerperClient{
		apiKey:     settings.APIKey,
		baseURL:    settings.BaseURL,
		maxResults: settings.MaxResults,
		httpClient: &http.Client{Timeout: settings.Timeout},
		cache:      gocache.New(ttl, 2*ttl),
		logger:     logger.Named("serper"),
	}
}

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search implements Provider.
func (c *SerperClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if c.apiKey == "" {
		return nil, &provider.Error{Provider: "serper", Op: "search", Err: fmt.Errorf("API key not configured")}
	}
	if maxResults <= 0 {
		maxResults = c.maxResults
	}
	// Collapse whitespace; long queries are allowed, the provider truncates.
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return nil, nil
	}

	cacheKey := fmt.Sprintf("%d|%s", maxResults, query)
	if cached, ok := c.cache.Get(cacheKey); ok {
		results := cached.([]Result)
		c.logger.Debug("cache hit", zap.String("query", query), zap.Int("results", len(results)))
		return results, nil
	}

	body, err := json.Marshal(serperRequest{Query: query, Num: maxResults})
	if err != nil {
		return nil, fmt.Errorf("serper: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("serper: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "serper", Op: "search", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: "serper", Op: "read response", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &provider.Error{Provider: "serper", Op: "search", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var parsed serperResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &provider.Error{Provider: "serper", Op: "decode response", Err: err}
	}

	results := make([]Result, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		if len(results) >= maxResults {
			break
		}
		results = append(results, Result{Title: hit.Title, URL: hit.Link, Snippet: hit.Snippet})
	}
	c.cache.Set(cacheKey, results, gocache.DefaultExpiration)
	c.logger.Debug("search ok", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}

// Relevance scores a hit against its query by term overlap: title matches
// weigh 60%, snippet matches 40%.
func Relevance(result Result, query string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(result.Title)
	snippet := strings.ToLower(result.Snippet)
	titleMatches, snippetMatches := 0, 0
	for _, term := range terms {
		if strings.Contains(title, term) {
			titleMatches++
		}
		if strings.Contains(snippet, term) {
			snippetMatches++
		}
	}
	score := float64(titleMatches)/float64(len(terms))*0.6 +
		float64(snippetMatches)/float64(len(terms))*0.4
	if score > 1 {
		score = 1
	}
	return score
}
