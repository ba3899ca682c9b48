package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"promptbot/internal/domain"
)

// syncFilter limits timeline delivery to the event types the bot reacts to.
var syncFilter = mustJSON(map[string]any{
	"presence":     map[string]any{"types": []string{}},
	"account_data": map[string]any{"types": []string{}},
	"room": map[string]any{
		"timeline": map[string]any{
			"types": []string{domain.EventTypeMessage, domain.EventTypeReaction},
		},
	},
})

// Start begins long-polling /sync and hands every timeline event to handler.
// Non-blocking: polling runs in a goroutine until Stop or ctx cancellation.
// The first sync only records the stream position, so history from before
// startup is never replayed.
func (c *Client) Start(ctx context.Context, handler domain.RoomEventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("matrix sync already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go c.pollLoop(loopCtx, handler, c.stopped)
	c.logger.Info("matrix sync started", "user_id", c.userID)
	return nil
}

// Stop cancels the polling loop and waits for it to exit or for ctx to expire.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		c.logger.Info("matrix sync stopped", "user_id", c.userID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) pollLoop(ctx context.Context, handler domain.RoomEventHandler, stopped chan struct{}) {
	defer close(stopped)
	for {
		if ctx.Err() != nil {
			return
		}

		since := c.since()
		resp, err := c.sync(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.retryDelay(err)
			c.logger.Warn("matrix sync failed",
				"error", err, "retry_in", delay, "breaker", c.BreakerState().String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		c.mu.Lock()
		c.nextBatch = resp.NextBatch
		c.mu.Unlock()

		if since == "" {
			c.logger.Debug("matrix initial sync complete", "next_batch", resp.NextBatch)
			continue
		}

		for roomID, room := range resp.Rooms.Join {
			for _, ev := range room.Timeline.Events {
				if ev.RoomID == "" {
					ev.RoomID = roomID
				}
				handler(ctx, roomID, ev)
			}
		}
	}
}

func (c *Client) since() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextBatch
}

// retryDelay picks the pause before the next sync. Retryable errors wait at
// least the default pause: rate limits honour retry_after_ms and an open
// breaker waits out its timeout.
func (c *Client) retryDelay(err error) time.Duration {
	if !domain.IsRetryableError(err) {
		return c.syncRetryDelay
	}
	wait := c.syncRetryDelay
	var matrixErr *Error
	if errors.As(err, &matrixErr) && matrixErr.RetryAfter() > wait {
		wait = matrixErr.RetryAfter()
	}
	if errors.Is(err, domain.ErrCircuitOpen) && c.breakerTimeout > wait {
		wait = c.breakerTimeout
	}
	return wait
}

func (c *Client) sync(ctx context.Context, since string) (*syncResponse, error) {
	query := url.Values{}
	query.Set("filter", syncFilter)
	if since == "" {
		query.Set("timeout", "0")
	} else {
		query.Set("since", since)
		query.Set("timeout", strconv.FormatInt(c.syncTimeout.Milliseconds(), 10))
	}

	body, err := c.doRequest(ctx, http.MethodGet, endpoint("sync"), query, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var resp syncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse sync response: %w", err)
	}
	return &resp, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

type syncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     syncRooms `json:"rooms"`
}

type syncRooms struct {
	Join map[string]joinedRoom `json:"join"`
}

type joinedRoom struct {
	Timeline timeline `json:"timeline"`
}

type timeline struct {
	Events []domain.RoomEvent `json:"events"`
}
