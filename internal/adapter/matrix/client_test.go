package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptbot/internal/domain"
	"promptbot/internal/infra/config"
)

const (
	testRoom  = "!room:hs"
	testToken = "syt_test"
)

func newTestClient(t *testing.T, mux *http.ServeMux, res config.ResilienceConfig, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.MatrixConfig{
		HomeserverURL:  srv.URL + "/",
		AccessToken:    testToken,
		UserID:         "@bot:hs",
		SyncTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, res, logger, opts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/event/{event}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, testRoom, r.PathValue("room"))
		writeJSON(w, http.StatusOK, map[string]any{
			"event_id": r.PathValue("event"),
			"type":     "m.room.message",
			"sender":   "@alice:hs",
			"content": map[string]any{
				"body": "pick one",
				"io.promptbot.reaction_handler": map[string]any{
					"reaction_map": map[string]string{"b": "2", "a": "1"},
					"name":         "vote",
				},
			},
		})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	ev, err := c.GetEvent(context.Background(), testRoom, "$prompt")
	require.NoError(t, err)
	assert.Equal(t, "$prompt", ev.EventID)
	assert.Equal(t, testRoom, ev.RoomID, "room id filled from the request")
	assert.Equal(t, "@alice:hs", ev.Sender)
	body, ok := ev.ContentString("body")
	assert.True(t, ok)
	assert.Equal(t, "pick one", body)
	assert.Contains(t, ev.Content, "io.promptbot.reaction_handler")
}

func TestGetEventNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/event/{event}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "Event not found"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	_, err := c.GetEvent(context.Background(), testRoom, "$gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, IsMatrixError(err, ErrCodeNotFound))
	assert.Equal(t, domain.CodeNotFound, domain.ErrorCodeOf(err))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down","retry_after_ms":1500}`, domain.ErrRateLimit},
		{"unknown token", http.StatusUnauthorized, `{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`, domain.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"no"}`, domain.ErrTransport},
		{"bare 404", http.StatusNotFound, `not here`, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			c := newTestClient(t, mux, config.ResilienceConfig{})

			_, err := c.GetEvent(context.Background(), testRoom, "$x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var matrixErr *Error
			require.True(t, errors.As(err, &matrixErr))
			assert.Equal(t, tt.status, matrixErr.StatusCode)
		})
	}
}

func TestErrorRetryAfter(t *testing.T) {
	e := &Error{Code: ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMS: 1500}
	assert.Equal(t, 1500*time.Millisecond, e.RetryAfter())
	assert.True(t, domain.IsRetryableError(e))
	assert.Equal(t, "matrix: M_LIMIT_EXCEEDED (429): ", e.Error())
}

func TestSendReaction(t *testing.T) {
	var mu sync.Mutex
	var txns []string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m.reaction", r.PathValue("type"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			RelatesTo domain.RelatesTo `json:"m.relates_to"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, domain.RelatesTo{RelType: "m.annotation", EventID: "$prompt", Key: "✅"}, body.RelatesTo)

		mu.Lock()
		txns = append(txns, r.PathValue("txn"))
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$reaction"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	id, err := c.SendReaction(context.Background(), testRoom, "$prompt", "✅")
	require.NoError(t, err)
	assert.Equal(t, "$reaction", id)
	_, err = c.SendReaction(context.Background(), testRoom, "$prompt", "✅")
	require.NoError(t, err)

	require.Len(t, txns, 2)
	assert.NotEqual(t, txns[0], txns[1], "each send gets a fresh transaction id")
}

func TestSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m.room.message", r.PathValue("type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["body"])
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$msg"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	id, err := c.SendMessage(context.Background(), testRoom, map[string]any{"msgtype": "m.text", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "$msg", id)
}

func TestForEachRelationPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/relations/{event}/{rel}/{type}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "$prompt", r.PathValue("event"))
		assert.Equal(t, "m.annotation", r.PathValue("rel"))
		assert.Equal(t, "m.reaction", r.PathValue("type"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		switch r.URL.Query().Get("from") {
		case "":
			writeJSON(w, http.StatusOK, map[string]any{
				"chunk": []map[string]any{
					{"event_id": "$r1", "type": "m.reaction", "sender": "@bot:hs"},
					{"event_id": "$r2", "type": "m.reaction", "sender": "@bot:hs"},
				},
				"next_batch": "page2",
			})
		case "page2":
			writeJSON(w, http.StatusOK, map[string]any{
				"chunk": []map[string]any{
					{"event_id": "$r3", "type": "m.reaction", "sender": "@alice:hs"},
				},
			})
		default:
			t.Errorf("unexpected from token %q", r.URL.Query().Get("from"))
		}
	})
	c := newTestClient(t, mux, config.ResilienceConfig{}, WithRelationPageSize(2))

	var ids []string
	err := c.ForEachRelation(context.Background(), testRoom, "$prompt",
		domain.RelationFilter{RelType: domain.RelTypeAnnotation, EventType: domain.EventTypeReaction},
		func(ev domain.RoomEvent) {
			assert.Equal(t, testRoom, ev.RoomID)
			ids = append(ids, ev.EventID)
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"$r1", "$r2", "$r3"}, ids)
}

func TestForEachRelationStopsOnRepeatedToken(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/relations/{event}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"chunk": []any{}, "next_batch": "same"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	err := c.ForEachRelation(context.Background(), testRoom, "$prompt", domain.RelationFilter{}, func(domain.RoomEvent) {})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestForEachRelationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "not joined"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	err := c.ForEachRelation(context.Background(), testRoom, "$prompt", domain.RelationFilter{}, func(domain.RoomEvent) {
		t.Error("callback should not run")
	})
	require.Error(t, err)
	assert.True(t, IsMatrixError(err, ErrCodeForbidden))
}

func TestRedactEvent(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/redact/{event}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "$r1", r.PathValue("event"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$redaction"})
	})
	c := newTestClient(t, mux, config.ResilienceConfig{})

	require.NoError(t, c.RedactEvent(context.Background(), testRoom, "$r1", "poll closed"))
	require.NoError(t, c.RedactEvent(context.Background(), testRoom, "$r1", ""))

	require.Len(t, bodies, 2)
	assert.Equal(t, "poll closed", bodies[0]["reason"])
	assert.NotContains(t, bodies[1], "reason", "empty reason is omitted")
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"errcode": "M_UNKNOWN", "error": "upstream"})
	})
	res := config.ResilienceConfig{
		CircuitBreaker: config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute},
	}
	c := newTestClient(t, mux, res)
	ctx := context.Background()

	for range 2 {
		_, err := c.GetEvent(ctx, testRoom, "$x")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTransport)
	}

	_, err := c.GetEvent(ctx, testRoom, "$x")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.True(t, domain.IsRetryableError(err))
	assert.Equal(t, int32(2), hits.Load(), "open circuit fails fast")
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "nope"})
	})
	res := config.ResilienceConfig{
		CircuitBreaker: config.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute},
	}
	c := newTestClient(t, mux, res)

	for range 3 {
		_, err := c.GetEvent(context.Background(), testRoom, "$x")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestRateLimiterHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$r"})
	})
	res := config.ResilienceConfig{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	}
	c := newTestClient(t, mux, res)

	_, err := c.SendReaction(context.Background(), testRoom, "$p", "a")
	require.NoError(t, err, "burst allows the first write")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.SendReaction(ctx, testRoom, "$p", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestEndpointEscapesSegments(t *testing.T) {
	got := endpoint("rooms", "!room:hs", "event", "$ev/1")
	assert.Equal(t, "/_matrix/client/v3/rooms/%21room:hs/event/$ev%2F1", got)
}
