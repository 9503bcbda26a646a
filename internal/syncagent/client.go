package syncagent

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
	"time"

	"github.com/golang/snappy"

	"github.com/agentworkforce/fieldsync/internal/offline"
)

const defaultCompressThreshold = 64 * 1024

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// BatchItem is the wire shape of one queued operation.
type BatchItem struct {
	StoreName string         `json:"storeName"`
	Action    offline.Action `json:"action"`
	Payload   offline.Record `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

type ItemResult struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Action    string `json:"action"`
	StoreName string `json:"storeName"`
	Timestamp string `json:"timestamp"`
	LocalID   any    `json:"local_id,omitempty"`
	ServerID  any    `json:"server_id,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type ItemError struct {
	Index     int                 `json:"index"`
	Status    string              `json:"status"`
	Code      string              `json:"code"`
	Message   string              `json:"message"`
	Errors    map[string][]string `json:"errors,omitempty"`
	StoreName string              `json:"storeName,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
}

type BatchResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	Results     []ItemResult `json:"results"`
	Errors      []ItemError  `json:"errors"`
	SyncedCount int          `json:"synced_count"`
}

type RemoteClient interface {
	SubmitBatch(ctx context.Context, ops []offline.Operation) (BatchResponse, error)
	FetchCollection(ctx context.Context, storeName string) ([]offline.Record, error)
	Ping(ctx context.Context) error
}

type HTTPClient struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
	compressThreshold int
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:           baseURL,
		token:             strings.TrimSpace(token),
		httpClient:        httpClient,
		maxRetries:        3,
		baseDelay:         100 * time.Millisecond,
		maxDelay:          2 * time.Second,
		compressThreshold: defaultCompressThreshold,
	}
}

// SetCompressThreshold sets the body size at which batches are snappy encoded.
// Zero or negative disables compression.
func (c *HTTPClient) SetCompressThreshold(n int) {
	c.compressThreshold = n
}

// SubmitBatch posts the pending operations as one batch. It is never retried
// here: an ambiguous failure leaves the queue untouched and the next flush
// resubmits.
func (c *HTTPClient) SubmitBatch(ctx context.Context, ops []offline.Operation) (BatchResponse, error) {
	items := make([]BatchItem, 0, len(ops))
	for _, op := range ops {
		items = append(items, BatchItem{
			StoreName: op.StoreName,
			Action:    op.Action,
			Payload:   op.Payload,
			Timestamp: op.Timestamp,
		})
	}
	body, err := json.Marshal(map[string]any{"queue": items})
	if err != nil {
		return BatchResponse{}, err
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if c.compressThreshold > 0 && len(body) >= c.compressThreshold {
		body = snappy.Encode(nil, body)
		headers["Content-Encoding"] = "snappy"
	}
	var out BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/offline-sync", headers, body, 0, &out); err != nil {
		return BatchResponse{}, err
	}
	return out, nil
}

func (c *HTTPClient) FetchCollection(ctx context.Context, storeName string) ([]offline.Record, error) {
	var out struct {
		Store string           `json:"store"`
		Data  []offline.Record `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/collections/"+url.PathEscape(storeName), nil, nil, c.maxRetries, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []offline.Record{}, nil
	}
	return out.Data, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/ping", nil, nil, 0, nil)
}

func (c *HTTPClient) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body []byte,
	maxRetries int,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			decoder := json.NewDecoder(bytes.NewReader(payloadBytes))
			decoder.UseNumber()
			return decoder.Decode(out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if errPayload.Error != "" {
			message = strings.TrimSpace(message + ": " + errPayload.Error)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("agent_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
