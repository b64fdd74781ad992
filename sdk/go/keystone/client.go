package keystone

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "keystone-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Keystone server (e.g. "http://localhost:8080").
	BaseURL string

	// KeyID identifies the API key used for authentication.
	KeyID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Realtime streams ignore its Timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Keystone API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	stream   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, KeyID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("keystone: BaseURL is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("keystone: KeyID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("keystone: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	// Same transport, no overall deadline: a stream lives until cancelled.
	stream := *httpClient
	stream.Timeout = 0

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		stream:   &stream,
		tokenMgr: newTokenManager(baseURL, cfg.KeyID, cfg.APIKey, httpClient),
	}, nil
}

// Ingest submits a batch of observations. A rejected batch returns an *Error
// whose FieldErrors list every violation.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.post(ctx, "/v1/ingest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateInspection starts an audit pass over a building.
func (c *Client) CreateInspection(ctx context.Context, buildingID string) (*Inspection, error) {
	body := map[string]any{"building_id": buildingID}
	var resp Inspection
	if err := c.post(ctx, "/v1/inspections", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInspection returns the authoritative inspection state with up to limit
// recent findings. A limit <= 0 uses the server default.
func (c *Client) GetInspection(ctx context.Context, id uuid.UUID, limit int) (*InspectionView, error) {
	path := "/v1/inspections/" + id.String()
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp InspectionView
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFindings pages through an inspection's findings, newest first.
func (c *Client) ListFindings(ctx context.Context, id uuid.UUID, limit, offset int) (*FindingsPage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/inspections/" + id.String() + "/findings"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("keystone: create request: %w", err)
	}
	raw, err := c.doRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	var env listEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("keystone: decode response envelope: %w", err)
	}
	page := &FindingsPage{HasMore: env.HasMore, Limit: env.Limit, Offset: env.Offset}
	if err := json.Unmarshal(env.Data, &page.Findings); err != nil {
		return nil, fmt.Errorf("keystone: decode findings: %w", err)
	}
	return page, nil
}

// CompleteInspection closes an inspection to further ingestion.
func (c *Client) CompleteInspection(ctx context.Context, id uuid.UUID) (*Inspection, error) {
	var resp Inspection
	if err := c.post(ctx, "/v1/inspections/"+id.String()+"/complete", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream is an open realtime channel on one inspection.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Subscribe opens the inspection's realtime channel. The first event is the
// "subscribed" handshake. Close the stream when done.
func (c *Client) Subscribe(ctx context.Context, id uuid.UUID) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/inspections/"+id.String()+"/subscribe", nil)
	if err != nil {
		return nil, fmt.Errorf("keystone: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.send(ctx, c.stream, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next blocks until the next event. It returns io.EOF when the server closes
// the stream cleanly. Comment lines (keep-alives) are skipped.
func (s *Stream) Next() (Event, error) {
	var eventType string
	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				eventType = ""
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return Event{}, fmt.Errorf("keystone: decode event: %w", err)
			}
			if ev.Type == "" {
				ev.Type = eventType
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("keystone: read stream: %w", err)
	}
	return Event{}, io.EOF
}

// Close releases the stream's connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// --- Transport helpers ---

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("keystone: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("keystone: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("keystone: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	raw, err := c.doRaw(ctx, req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	return decodeData(raw, dest)
}

// doRaw performs an authenticated request and returns the body of a
// successful response.
func (c *Client) doRaw(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.send(ctx, c.client, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("keystone: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}
	return raw, nil
}

// send attaches a bearer token and performs req. A 401 on a cached token
// re-authenticates once and retries.
func (c *Client) send(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", userAgent)

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("keystone: %s %s: %w", req.Method, req.URL.Path, err)
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt > 0 || req.GetBody == nil && req.Body != nil {
			return resp, nil
		}
		_ = resp.Body.Close()
		c.tokenMgr.invalidate()
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("keystone: rewind request body: %w", err)
			}
			req.Body = body
		}
	}
}

// decodeData unwraps the server's { "data": ... } envelope into dest.
func decodeData(raw []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("keystone: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(raw, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
