// SPDX-License-Identifier: Apache-2.0

// Package pinboard implements the automation driver against a pinboard-style
// site: form login with CSRF token, JSON endpoints for collections and saves,
// and an HTML related-items grid.
package pinboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pinmatch/pinmatch/internal/automation"
	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/domain"
)

const userAgent = "pinmatch/1.0"

type Client struct {
	baseURL    *url.URL
	email      string
	password   string
	logger     *slog.Logger
	httpClient *http.Client

	// csrf is read from the login page and echoed on mutating requests.
	// A client serves one workflow at a time, so no locking.
	csrf string
}

var _ automation.Driver = (*Client)(nil)

// NewClient builds a fresh session for one run. Every client carries its own
// cookie jar so concurrent runs do not share authentication state.
func NewClient(cfg config.SiteConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid site base url %s: %w", cfg.BaseURL, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}

	return &Client{
		baseURL:  base,
		email:    cfg.Email,
		password: cfg.Password,
		logger:   logger,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Login fetches the login page for the CSRF token, then posts credentials.
func (c *Client) Login(ctx context.Context) error {
	doc, err := c.fetchDocument(ctx, c.resolve("/login"))
	if err != nil {
		return fmt.Errorf("load login page: %w", err)
	}

	csrf, ok := doc.Find("input[name=\"csrf_token\"]").First().Attr("value")
	if !ok || csrf == "" {
		return fmt.Errorf("login page has no csrf token")
	}
	c.csrf = csrf

	payload := map[string]string{
		"email":    c.email,
		"password": c.password,
	}
	resp, err := c.postJSON(ctx, "/api/session", payload)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sign in: %w", c.statusError(resp))
	}

	c.logger.Debug("session established", "base_url", c.baseURL.String())
	return nil
}

type collectionResponse struct {
	ID string `json:"id"`
}

// CreateCollection creates a private collection named name.
func (c *Client) CreateCollection(ctx context.Context, name string) (string, error) {
	payload := map[string]any{
		"name":    name,
		"private": true,
	}
	resp, err := c.postJSON(ctx, "/api/collections", payload)
	if err != nil {
		return "", fmt.Errorf("create collection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("create collection %q: %w", name, c.statusError(resp))
	}

	var created collectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode collection response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("collection response has no id")
	}
	return created.ID, nil
}

type searchResponse struct {
	Items []struct {
		SourceURL   string `json:"source_url"`
		MediaURL    string `json:"media_url"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"items"`
}

// SearchItems queries the site search API.
func (c *Client) SearchItems(ctx context.Context, query string, limit int) ([]automation.Item, error) {
	endpoint := c.resolve("/api/search")
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("search url: %w", err)
	}
	values := parsed.Query()
	values.Set("q", query)
	values.Set("limit", strconv.Itoa(limit))
	parsed.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("search %q: %w", query, c.statusError(resp))
	}

	var found searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]automation.Item, 0, len(found.Items))
	for _, raw := range found.Items {
		if raw.SourceURL == "" || raw.MediaURL == "" {
			continue
		}
		items = append(items, automation.Item{
			SourceURL:   c.resolve(raw.SourceURL),
			MediaURL:    c.resolve(raw.MediaURL),
			Title:       raw.Title,
			Description: raw.Description,
		})
	}
	return items, nil
}

// SaveToCollection saves one item into the collection.
func (c *Client) SaveToCollection(ctx context.Context, collectionID string, item automation.Item) error {
	payload := map[string]string{
		"source_url":  item.SourceURL,
		"media_url":   item.MediaURL,
		"title":       item.Title,
		"description": item.Description,
	}
	resp, err := c.postJSON(ctx, "/api/collections/"+url.PathEscape(collectionID)+"/items", payload)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("save item to %s: %w", collectionID, c.statusError(resp))
	}
	return nil
}

// RelatedItems scrapes the related-items grid rendered for a collection.
func (c *Client) RelatedItems(ctx context.Context, collectionID string) ([]automation.Item, error) {
	doc, err := c.fetchDocument(ctx, c.resolve("/collections/"+url.PathEscape(collectionID)+"/related"))
	if err != nil {
		return nil, fmt.Errorf("load related grid: %w", err)
	}

	var items []automation.Item
	doc.Find(".grid-item").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Find("a").First().Attr("href")
		src, _ := s.Find("img").First().Attr("src")
		if href == "" || src == "" {
			return
		}
		items = append(items, automation.Item{
			SourceURL:   c.resolve(href),
			MediaURL:    c.resolve(src),
			Title:       strings.TrimSpace(s.Find("img").First().AttrOr("alt", "")),
			Description: strings.TrimSpace(s.Find(".item-desc").First().Text()),
		})
	})
	return items, nil
}

func (c *Client) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.statusError(resp)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}

	return c.httpClient.Do(req)
}

// statusError maps site failures onto the workflow's typed errors and keeps a
// short response snippet for everything else.
func (c *Client) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthFailed
	case http.StatusConflict:
		return domain.ErrDuplicateName
	case http.StatusUnprocessableEntity:
		return domain.ErrNamingRejected
	default:
		return fmt.Errorf("site returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
}

func (c *Client) resolve(ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.baseURL.ResolveReference(parsed).String()
}
