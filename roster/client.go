// Package roster is a read client for the incubator roster API. Requests are
// authenticated by the transport of the http.Client it is built on.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	retry "github.com/appleboy/go-httpretry"
)

// Resource names a list endpoint of the API.
type Resource string

const (
	Startups Resource = "startups"
	Members  Resource = "members"
	Advisors Resource = "advisors"
)

// ParseResource accepts a resource name, singular or plural.
func ParseResource(s string) (Resource, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "startup":
		return Startups, nil
	case "member":
		return Members, nil
	case "advisor":
		return Advisors, nil
	default:
		return "", fmt.Errorf("unknown resource %q (want startups, members or advisors)", s)
	}
}

// Client is the roster API client.
type Client struct {
	baseURL string
	http    *retry.Client
}

// New creates a client for baseURL. Only idempotent reads are issued, so
// every request goes through the retrying client.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	rc, err := retry.NewBackgroundClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("roster.New: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}, nil
}

func (c *Client) ListStartups(ctx context.Context, opts ListOptions) (*Page[Startup], error) {
	page, err := list[Startup](ctx, c, Startups, opts)
	if err != nil {
		return nil, fmt.Errorf("roster.ListStartups: %w", err)
	}
	return page, nil
}

func (c *Client) ListMembers(ctx context.Context, opts ListOptions) (*Page[Member], error) {
	page, err := list[Member](ctx, c, Members, opts)
	if err != nil {
		return nil, fmt.Errorf("roster.ListMembers: %w", err)
	}
	return page, nil
}

func (c *Client) ListAdvisors(ctx context.Context, opts ListOptions) (*Page[Advisor], error) {
	page, err := list[Advisor](ctx, c, Advisors, opts)
	if err != nil {
		return nil, fmt.Errorf("roster.ListAdvisors: %w", err)
	}
	return page, nil
}

func (c *Client) GetStartup(ctx context.Context, id int) (*Startup, error) {
	var s Startup
	if err := c.get(ctx, itemPath(Startups, id), &s); err != nil {
		return nil, fmt.Errorf("roster.GetStartup: %w", err)
	}
	return &s, nil
}

func (c *Client) GetMember(ctx context.Context, id int) (*Member, error) {
	var m Member
	if err := c.get(ctx, itemPath(Members, id), &m); err != nil {
		return nil, fmt.Errorf("roster.GetMember: %w", err)
	}
	return &m, nil
}

func (c *Client) GetAdvisor(ctx context.Context, id int) (*Advisor, error) {
	var a Advisor
	if err := c.get(ctx, itemPath(Advisors, id), &a); err != nil {
		return nil, fmt.Errorf("roster.GetAdvisor: %w", err)
	}
	return &a, nil
}

// Raw fetches a resource list (id <= 0) or item and returns the body as is.
func (c *Client) Raw(ctx context.Context, r Resource, id int) (json.RawMessage, error) {
	path := "/" + string(r) + "/"
	if id > 0 {
		path = itemPath(r, id)
	}
	var raw json.RawMessage
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("roster.Raw: %w", err)
	}
	return raw, nil
}

func itemPath(r Resource, id int) string {
	return "/" + string(r) + "/" + strconv.Itoa(id) + "/"
}

// list accepts both a paginated envelope and a bare JSON array.
func list[T any](ctx context.Context, c *Client, r Resource, opts ListOptions) (*Page[T], error) {
	params := url.Values{}
	if opts.Search != "" {
		params.Set("search", opts.Search)
	}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	path := "/" + string(r) + "/"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var raw json.RawMessage
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	var page Page[T]
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &page.Results); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		page.Count = len(page.Results)
		return &page, nil
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Detail != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Detail}
			}
			if apiErr.Error != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
