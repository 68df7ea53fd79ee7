package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Named archive environments. The test and dev targets mirror the main API
// but never serve real astronomer data.
var environmentURLs = map[string]string{
	"main": "https://api.arcsecond.io",
	"test": "https://api.test.arcsecond.io",
	"dev":  "http://localhost:8000",
}

// BaseURL resolves an environment name to its API root. Unknown names fall
// back to the main environment.
func BaseURL(environment string) string {
	if u, ok := environmentURLs[environment]; ok {
		return u
	}
	return environmentURLs["main"]
}

// Client talks HTTP+JSON to the remote archive. One Client serves all
// collections; Collection binds it to a single one.
type Client struct {
	baseURL      string
	apiKey       string
	organization string
	httpClient   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOrganization scopes every request to an organization subdomain.
func WithOrganization(subdomain string) ClientOption {
	return func(c *Client) { c.organization = subdomain }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an archive client for the given environment.
func NewClient(environment, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    BaseURL(environment),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collection binds the client to one resource collection, yielding the API
// capability the pipeline components consume.
func (c *Client) Collection(name string) API {
	return &collectionAPI{client: c, name: strings.Trim(name, "/")}
}

// APIError is a non-2xx response from the archive. The body is kept
// verbatim: the transfer engine inspects it for the duplicate-file
// condition.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("archive returned HTTP %d: %s", e.StatusCode, e.Body)
}

type collectionAPI struct {
	client *Client
	name   string
}

func (a *collectionAPI) List(ctx context.Context, filters map[string]string) ([]Resource, error) {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}
	body, err := a.client.do(ctx, http.MethodGet, a.path("")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodeList(body)
}

func (a *collectionAPI) Create(ctx context.Context, fields map[string]any) (Resource, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode create payload: %w", err)
	}
	body, err := a.client.do(ctx, http.MethodPost, a.path(""), payload)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

func (a *collectionAPI) Update(ctx context.Context, id string, fields map[string]any) (Resource, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update payload: %w", err)
	}
	body, err := a.client.do(ctx, http.MethodPatch, a.path(id), payload)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

func (a *collectionAPI) Read(ctx context.Context, id string) (Resource, error) {
	body, err := a.client.do(ctx, http.MethodGet, a.path(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

func (a *collectionAPI) path(id string) string {
	var b strings.Builder
	if a.client.organization != "" {
		b.WriteString("/orgs/" + a.client.organization)
	}
	b.WriteString("/" + a.name + "/")
	if id != "" {
		b.WriteString(id + "/")
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Upload-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return nil, fmt.Errorf("archive request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// decodeList accepts both a bare JSON array and the paginated
// {count, results} envelope some collections answer with.
func decodeList(body []byte) ([]Resource, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Resource
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode archive list: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Count   int        `json:"count"`
		Results []Resource `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode archive list envelope: %w", err)
	}
	return envelope.Results, nil
}

func decodeResource(body []byte) (Resource, error) {
	var r Resource
	if len(bytes.TrimSpace(body)) == 0 {
		return Resource{}, nil
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode archive resource: %w", err)
	}
	return r, nil
}
