package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"promptbot/internal/domain"
	"promptbot/internal/infra/config"
)

const (
	apiPrefix       = "/_matrix/client/v3"
	maxResponseSize = 10 * 1024 * 1024
	defaultPageSize = 50
)

// ClientOption configures the Matrix client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithSyncRetryDelay sets the pause between failed sync attempts.
func WithSyncRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.syncRetryDelay = d }
}

// WithRelationPageSize sets the page size requested from the relations endpoint.
func WithRelationPageSize(n int) ClientOption {
	return func(c *Client) { c.pageSize = n }
}

// Client talks to a Matrix homeserver over the client-server API.
// Every request passes through a circuit breaker; writes are rate limited.
type Client struct {
	homeserverURL string
	accessToken   string
	userID        string
	syncTimeout   time.Duration

	http           *http.Client
	breaker        *gobreaker.CircuitBreaker[[]byte]
	limiter        *rate.Limiter
	logger         *slog.Logger
	pageSize       int
	syncRetryDelay time.Duration
	breakerTimeout time.Duration

	mu        sync.Mutex
	nextBatch string
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// NewClient creates a client for one homeserver account.
func NewClient(cfg config.MatrixConfig, res config.ResilienceConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 60 * time.Second
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout == 0 {
		syncTimeout = 30 * time.Second
	}
	rps := rate.Limit(res.RateLimit.RequestsPerSecond)
	if rps <= 0 {
		rps = rate.Inf
	}
	burst := res.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		homeserverURL:  strings.TrimRight(cfg.HomeserverURL, "/"),
		accessToken:    cfg.AccessToken,
		userID:         cfg.UserID,
		syncTimeout:    syncTimeout,
		http:           &http.Client{Timeout: requestTimeout},
		breaker:        newBreaker(cfg.UserID, res.CircuitBreaker, logger),
		limiter:        rate.NewLimiter(rps, burst),
		logger:         logger,
		pageSize:       defaultPageSize,
		syncRetryDelay: 5 * time.Second,
		breakerTimeout: breakerTimeout(res.CircuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UserID returns the account the client acts as.
func (c *Client) UserID() string { return c.userID }

// BreakerState returns the current circuit breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// GetEvent fetches a single event. A missing event yields an error wrapping domain.ErrNotFound.
func (c *Client) GetEvent(ctx context.Context, roomID, eventID string) (domain.RoomEvent, error) {
	body, err := c.doRequest(ctx, http.MethodGet, endpoint("rooms", roomID, "event", eventID), nil, nil)
	if err != nil {
		return domain.RoomEvent{}, fmt.Errorf("fetch %s from %s: %w", eventID, roomID, err)
	}
	var ev domain.RoomEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.RoomEvent{}, fmt.Errorf("parse event %s: %w", eventID, err)
	}
	if ev.RoomID == "" {
		ev.RoomID = roomID
	}
	return ev, nil
}

// SendMessage posts an m.room.message event and returns its event id.
func (c *Client) SendMessage(ctx context.Context, roomID string, content map[string]any) (string, error) {
	return c.sendEvent(ctx, roomID, domain.EventTypeMessage, content)
}

// SendReaction annotates eventID with key and returns the reaction's event id.
func (c *Client) SendReaction(ctx context.Context, roomID, eventID, key string) (string, error) {
	return c.sendEvent(ctx, roomID, domain.EventTypeReaction, domain.ReactionContent(eventID, key))
}

func (c *Client) sendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := endpoint("rooms", roomID, "send", eventType, newTransactionID())
	body, err := c.doRequest(ctx, http.MethodPut, path, nil, content)
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", eventType, roomID, err)
	}
	var resp sendEventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	return resp.EventID, nil
}

// ForEachRelation pages through the relations of eventID and calls fn for
// each one, in server order.
func (c *Client) ForEachRelation(ctx context.Context, roomID, eventID string, filter domain.RelationFilter, fn func(domain.RoomEvent)) error {
	segments := []string{"rooms", roomID, "relations", eventID}
	if filter.RelType != "" {
		segments = append(segments, filter.RelType)
		if filter.EventType != "" {
			segments = append(segments, filter.EventType)
		}
	}
	path := endpoint(segments...)

	from := ""
	seen := map[string]bool{}
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprint(c.pageSize))
		if from != "" {
			query.Set("from", from)
		}

		body, err := c.doRequest(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return fmt.Errorf("relations of %s: %w", eventID, err)
		}
		var page relationsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("parse relations of %s: %w", eventID, err)
		}

		for _, ev := range page.Chunk {
			if ev.RoomID == "" {
				ev.RoomID = roomID
			}
			fn(ev)
		}

		if page.NextBatch == "" || seen[page.NextBatch] {
			return nil
		}
		seen[page.NextBatch] = true
		from = page.NextBatch
	}
}

// RedactEvent redacts eventID. An empty reason is omitted from the request.
func (c *Client) RedactEvent(ctx context.Context, roomID, eventID, reason string) error {
	path := endpoint("rooms", roomID, "redact", eventID, newTransactionID())
	req := redactRequest{Reason: reason}
	if _, err := c.doRequest(ctx, http.MethodPut, path, nil, req); err != nil {
		return fmt.Errorf("redact %s: %w", eventID, err)
	}
	return nil
}

// doRequest performs one authenticated round trip through the breaker.
// Writes wait on the rate limiter first.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if method != http.MethodGet {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reqBody []byte
	if payload != nil {
		var err error
		if reqBody, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	target := c.homeserverURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, target, reqBody)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, reqBody []byte) ([]byte, error) {
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		matrixErr := &Error{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, matrixErr) != nil || matrixErr.Code == "" {
			matrixErr.Message = strings.TrimSpace(string(body))
		}
		return nil, matrixErr
	}
	return body, nil
}

// endpoint joins escaped path segments under the client API prefix.
func endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(apiPrefix)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func newTransactionID() string {
	return "pb" + ulid.Make().String()
}

// --- Matrix Client-Server API types ---

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

type redactRequest struct {
	Reason string `json:"reason,omitempty"`
}

type relationsResponse struct {
	Chunk     []domain.RoomEvent `json:"chunk"`
	NextBatch string             `json:"next_batch,omitempty"`
}

// Compile-time interface checks.
var (
	_ domain.PromptClient    = (*Client)(nil)
	_ domain.RoomEventGetter = (*Client)(nil)
	_ domain.RoomEventSource = (*Client)(nil)
)
