package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

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

// HTTPClient talks to a relaydoc server database.
type HTTPClient struct {
	baseURL    string
	token      string
	database   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token, database string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		database:   strings.TrimSpace(database),
		httpClient: httpClient,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithRetries makes each request retry network errors, 429 and 5xx
// responses up to n times. Requests are not retried by default; one-shot
// push and pull report the first failure.
func (c *HTTPClient) WithRetries(n int) *HTTPClient {
	if n < 0 {
		n = 0
	}
	c.maxRetries = n
	return c
}

// ID names the remote in checkpoint keys.
func (c *HTTPClient) ID() string {
	return c.baseURL + "/" + c.database
}

func (c *HTTPClient) databasePath(suffix string) string {
	return fmt.Sprintf("/v1/databases/%s/%s", url.PathEscape(c.database), suffix)
}

func filterQuery(q url.Values, filter docstore.Filter) {
	if filter.Prefix != "" {
		q.Set("prefix", filter.Prefix)
	}
	for _, id := range filter.IDs {
		q.Add("id", id)
	}
	if filter.View != "" {
		q.Set("view", filter.View)
	}
}

func (c *HTTPClient) Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangeFeed, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(req.Since, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	filterQuery(q, req.Filter)
	var out docstore.ChangeFeed
	err := c.doJSON(ctx, http.MethodGet, c.databasePath("changes")+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	var out RevsDiffResponse
	if err := c.doJSON(ctx, http.MethodPost, c.databasePath("revs_diff"), RevsRequest{Revs: revs}, &out); err != nil {
		return nil, err
	}
	if out.Missing == nil {
		out.Missing = map[string][]string{}
	}
	return out.Missing, nil
}

func (c *HTTPClient) BulkGet(ctx context.Context, revs map[string][]string) ([]docstore.Revision, error) {
	var out BulkGetResponse
	err := c.doJSON(ctx, http.MethodPost, c.databasePath("bulk_get"), RevsRequest{Revs: revs}, &out)
	return out.Revisions, err
}

func (c *HTTPClient) BulkReplicate(ctx context.Context, revisions []docstore.Revision) ([]docstore.Record, error) {
	var out ReplicateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.databasePath("replicate"), ReplicateRequest{Revisions: revisions}, &out); err != nil {
		return nil, err
	}
	var errs error
	for _, msg := range out.Errors {
		errs = multierr.Append(errs, errors.New(msg))
	}
	return out.Applied, errs
}

func (c *HTTPClient) AllDocs(ctx context.Context, prefix string) ([]docstore.DocInfo, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	var out AllDocsResponse
	err := c.doJSON(ctx, http.MethodGet, c.databasePath("all_docs")+"?"+q.Encode(), nil, &out)
	return out.Rows, err
}

func (c *HTTPClient) BulkDocs(ctx context.Context, records []docstore.Record) ([]docstore.PutResult, error) {
	var out BulkDocsResponse
	if err := c.doJSON(ctx, http.MethodPost, c.databasePath("bulk_docs"), BulkDocsRequest{Docs: records}, &out); err != nil {
		return nil, err
	}
	return DecodePutResults(out.Results), nil
}

func (c *HTTPClient) Watch(ctx context.Context, filter docstore.Filter) (<-chan uint64, error) {
	u, err := url.Parse(c.baseURL + c.databasePath("changes/ws"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	filterQuery(q, filter)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan uint64, 1)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var msg ChangeNotification
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			offerLatest(out, msg.Seq)
		}
	}()
	return out, nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
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
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		switch resp.StatusCode {
		case http.StatusConflict:
			if errPayload.Code == CodeImmutable {
				return fmt.Errorf("%w: %v", docstore.ErrImmutableRecord, httpErr)
			}
			return fmt.Errorf("%w: %v", docstore.ErrRevisionConflict, httpErr)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", docstore.ErrNotFound, httpErr)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %v", docstore.ErrInvalidInput, httpErr)
		}
		return httpErr
	}
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
	return exponentialDelay(attempt, c.baseDelay, maxDelay)
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

func correlationID() string {
	return "corr_" + ulid.Make().String()
}
