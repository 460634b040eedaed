// Package client is a small HTTP JSON client for the toolhostd RPC surface:
// a struct wrapping a base URL and an *http.Client, with get/post helpers
// that marshal/unmarshal JSON and surface non-2xx responses as plain
// errors.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to a running toolhostd daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client against baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Tool is the wire shape of one tool descriptor.
type Tool struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
}

// ListToolsResponse is the response body of GET /v1/tools.
type ListToolsResponse struct {
	Tools         []Tool `json:"tools"`
	NextPageToken string `json:"next_page_token"`
}

// ListTools retrieves one page of the registry's tool listing.
func (c *Client) ListTools(pageToken string, pageSize int) (ListToolsResponse, error) {
	var out ListToolsResponse
	path := fmt.Sprintf("/v1/tools?page_token=%s&page_size=%d", pageToken, pageSize)
	err := c.get(path, &out)
	return out, err
}

// SearchResult is one ranked hit from a search request.
type SearchResult struct {
	Tool           Tool    `json:"tool"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SearchToolsResponse is the response body of POST /v1/tools:search.
type SearchToolsResponse struct {
	Results       []SearchResult `json:"results"`
	NextPageToken string         `json:"next_page_token"`
}

// SearchTools issues a semantic search against the daemon.
func (c *Client) SearchTools(queryText string, pageSize int) (SearchToolsResponse, error) {
	var out SearchToolsResponse
	body := map[string]any{"query_text": queryText, "page_size": pageSize}
	err := c.post("/v1/tools:search", body, &out)
	return out, err
}

// CallToolResponse is the response body of POST /v1/tools/{id}:call.
type CallToolResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CallTool invokes a tool by its qualified id with the given JSON-encodable
// input.
func (c *Client) CallTool(qualifiedID string, input map[string]any) (CallToolResponse, error) {
	var out CallToolResponse
	body := map[string]any{"input": input}
	err := c.post(fmt.Sprintf("/v1/tools/%s:call", qualifiedID), body, &out)
	return out, err
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, body any, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("%s", errBody.Error)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}
