package gridsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the relay gateway over HTTP. It is safe for concurrent
// use; each Stream call owns its own connection.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a gateway client. baseURL is the relay root, e.g.
// "http://localhost:3001".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client timeout: Stream connections are long-lived. Request
		// methods bound themselves with the caller's context instead.
		http: &http.Client{},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrDocumentNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health checks relay liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

// GetDocument fetches the current document, or ErrDocumentNotFound.
func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments fetches all documents.
func (c *Client) ListDocuments(ctx context.Context) ([]*Document, error) {
	var docs []*Document
	if err := c.doJSON(ctx, http.MethodGet, "/api/documents", nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// CreateDocument creates a document with full initial fields.
func (c *Client) CreateDocument(ctx context.Context, id string, req UpdateRequest) (*Document, error) {
	body := struct {
		DocumentID string `json:"documentId"`
		UpdateRequest
	}{DocumentID: id, UpdateRequest: req}

	var doc Document
	if err := c.doJSON(ctx, http.MethodPost, "/api/documents", body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpdateDocument pushes a partial update and returns the updated document.
func (c *Client) UpdateDocument(ctx context.Context, id string, req UpdateRequest) (*Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(id)+"/update", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetBudgetBook fetches the singleton budget book.
func (c *Client) GetBudgetBook(ctx context.Context) (*BudgetBook, error) {
	var bb BudgetBook
	if err := c.doJSON(ctx, http.MethodGet, "/api/budget-book", nil, &bb); err != nil {
		return nil, err
	}
	return &bb, nil
}

// UpdateBudgetBook pushes a budget book update.
func (c *Client) UpdateBudgetBook(ctx context.Context, req BudgetBookUpdate) error {
	return c.doJSON(ctx, http.MethodPost, "/api/budget-book/update", req, nil)
}

// maxEventSize bounds one SSE frame; chart images ride in events so frames
// can be several megabytes.
const maxEventSize = 32 * 1024 * 1024

// Stream opens one SSE connection and delivers events until the context is
// canceled or the transport fails, then closes the channel. Reconnect
// policy belongs to the caller (the agent applies backoff).
func (c *Client) Stream(ctx context.Context, platform, documentID string) (<-chan ChangeEvent, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", platform)
	}
	if documentID != "" {
		q.Set("documentId", documentID)
	}
	streamURL := c.baseURL + "/api/stream"
	if len(q) > 0 {
		streamURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeStream, "stream connect failed", documentID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, newSyncError(SyncErrorTypeStream, fmt.Sprintf("stream returned %d", resp.StatusCode), documentID, nil)
	}

	events := make(chan ChangeEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxEventSize)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				slog.Warn("stream event decode error", "err", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
