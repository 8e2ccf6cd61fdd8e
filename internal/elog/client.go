// Package elog is an HTTP client and retrieval core over a facility's
// electronic logbook: keyword/regex search, parallel bulk record fetch,
// cross-encoder reranking, and thread navigation (C4, C6).
package elog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psi/logbook-agent/internal/infra"
	"github.com/psi/logbook-agent/internal/net/ssrf"
)

// rawEntry is one logbook record as the upstream API returns it.
type rawEntry struct {
	ID          int               `json:"id"`
	Timestamp   string            `json:"timestamp"`
	Author      string            `json:"author"`
	Category    string            `json:"category"`
	System      string            `json:"system"`
	Domain      string            `json:"domain"`
	Title       string            `json:"title"`
	BodyHTML    string            `json:"body_html"`
	Attributes  map[string]string `json:"attributes"`
	Attachments []rawAttachment   `json:"attachments"`
	ParentID    int               `json:"parent_id"`
}

type rawAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type rawThread struct {
	Edges []struct {
		ParentID int `json:"parent_id"`
		ChildID  int `json:"child_id"`
	} `json:"edges"`
}

// Client is an HTTP client over the external electronic-logbook API (C4).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *infra.CircuitBreaker
}

// NewClient constructs a logbook HTTP client. baseURL's hostname is validated
// against SSRF protection rules so a misconfigured or operator-supplied
// endpoint cannot be pointed at localhost or internal/metadata addresses.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("elog: invalid base URL: %w", err)
	}
	if err := ssrf.ValidatePublicHostname(parsed.Hostname()); err != nil {
		return nil, fmt.Errorf("elog: base URL rejected: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "elog"}),
	}, nil
}

// searchFilter is the structured query sent to the logbook's search endpoint.
type searchFilter struct {
	query      string
	isRegex    bool
	category   string
	system     string
	domain     string
	fetchLimit int
}

// buildFilter assembles the search filter for one ELOG search (§4.3 step 1).
// A query containing ".*" is treated as regex; an empty query submits the
// structured filters alone.
func buildFilter(query, category, system, domain string, maxResults int) searchFilter {
	fetchLimit := maxResults * 3
	if fetchLimit < 20 {
		fetchLimit = 20
	}
	if fetchLimit > 200 {
		fetchLimit = 200
	}
	return searchFilter{
		query:      query,
		isRegex:    strings.Contains(query, ".*"),
		category:   category,
		system:     system,
		domain:     domain,
		fetchLimit: fetchLimit,
	}
}

// Search calls the logbook's search endpoint and returns message ids sorted
// newest first.
func (c *Client) Search(ctx context.Context, f searchFilter) ([]int, error) {
	q := url.Values{}
	if f.query != "" {
		if f.isRegex {
			q.Set("regex", f.query)
		} else {
			q.Set("q", f.query)
		}
	}
	if f.category != "" {
		q.Set("category", f.category)
	}
	if f.system != "" {
		q.Set("system", f.system)
	}
	if f.domain != "" {
		q.Set("domain", f.domain)
	}
	q.Set("n_results", strconv.Itoa(f.fetchLimit))

	var ids []int
	if err := c.getJSON(ctx, "/search?"+q.Encode(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Read fetches one logbook entry by id.
func (c *Client) Read(ctx context.Context, id int) (*rawEntry, error) {
	var entry rawEntry
	if err := c.getJSON(ctx, fmt.Sprintf("/entries/%d", id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Thread fetches the parent/child edges around an entry id.
func (c *Client) Thread(ctx context.Context, id int) (*rawThread, error) {
	var thread rawThread
	if err := c.getJSON(ctx, fmt.Sprintf("/entries/%d/thread", id), &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// getJSON performs one HTTP GET and decodes the JSON body, retrying once
// with a 500ms backoff on a 5xx response (§7, UpstreamHTTPError policy).
// The whole attempt sequence runs behind a circuit breaker so a logbook
// outage stops hammering the upstream once it's clearly down.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		for attempt := 1; attempt <= 2; attempt++ {
			err := c.doGet(ctx, path, out)
			if err == nil {
				return nil
			}
			lastErr = err
			var httpErr *upstreamHTTPError
			if !isUpstreamHTTPError(err, &httpErr) || httpErr.StatusCode < 500 {
				return err
			}
			if attempt == 1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		}
		return lastErr
	})
}

func (c *Client) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &upstreamHTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// upstreamHTTPError reports a non-2xx response from the logbook API.
type upstreamHTTPError struct {
	StatusCode int
	Body       string
}

func (e *upstreamHTTPError) Error() string {
	return fmt.Sprintf("elog upstream returned %d: %s", e.StatusCode, e.Body)
}

func isUpstreamHTTPError(err error, target **upstreamHTTPError) bool {
	if httpErr, ok := err.(*upstreamHTTPError); ok {
		*target = httpErr
		return true
	}
	return false
}
