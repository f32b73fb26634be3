// Package addevent talks to the AddEvent calendar API: paginated subscriber
// listing and subscriber deletion. AddEvent throttles aggressively, so calls
// run through a circuit breaker and 429s carry their Retry-After upstream as
// taskerr.RateLimited.
package addevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/taskerr"

	"github.com/sony/gobreaker"
)

const (
	baseURL = "https://www.addevent.com/api/v1"

	// pageSize and maxPages bound a full listing to 10k subscribers.
	pageSize = 100
	maxPages = 100
)

type Subscriber struct {
	ID    string
	Email string
}

type Client struct {
	apiKey string
	httpc  *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

func NewClient(apiKey string, logger *log.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "addevent",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent API responses should not trip the breaker; it
			// guards against the service being down, not bad requests.
			return err == nil || taskerr.KindOf(err) == taskerr.Permanent
		},
	})
	return &Client{
		apiKey: apiKey,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		cb:     cb,
		logger: logger,
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, taskerr.NewPermanent(errors.New("ADDEVENT_API_KEY not configured"))
	}

	out, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, baseURL+endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, taskerr.NewTransient(fmt.Errorf("addevent %s %s: %w", method, endpoint, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			after := parseRetryAfter(resp.Header.Get("Retry-After"), 30*time.Second)
			c.logger.Warnw("AddEvent rate limited", "retry_after", after)
			return nil, taskerr.NewRateLimited(errors.New("rate limited by AddEvent"), after)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, taskerr.NewTransient(fmt.Errorf("read addevent response: %w", err))
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			errBody := string(data)
			if len(errBody) > 200 {
				errBody = errBody[:200]
			}
			errf := fmt.Errorf("addevent API error: %d - %s", resp.StatusCode, errBody)
			if resp.StatusCode >= 500 {
				return nil, taskerr.NewTransient(errf)
			}
			return nil, taskerr.NewPermanent(errf)
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, taskerr.NewTransient(fmt.Errorf("addevent circuit open: %w", err))
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

// ListSubscribers fetches the full subscriber list for a calendar, paging
// until a short page or the safety cap.
func (c *Client) ListSubscribers(ctx context.Context, calendarID string) ([]Subscriber, error) {
	var all []Subscriber
	for page := 1; page <= maxPages; page++ {
		data, err := c.request(ctx, http.MethodGet, fmt.Sprintf(
			"/calendar/subscribers/list?token=%s&calendar_id=%s&page=%d&per_page=%d",
			c.apiKey, calendarID, page, pageSize))
		if err != nil {
			return nil, err
		}

		var payload struct {
			Subscribers []subscriberJSON `json:"subscribers"`
			Data        []subscriberJSON `json:"data"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode subscriber page %d: %w", page, err)
		}
		subs := payload.Subscribers
		if len(subs) == 0 {
			subs = payload.Data
		}

		for _, s := range subs {
			all = append(all, s.toSubscriber())
		}
		if len(subs) < pageSize {
			break
		}
	}
	c.logger.Infow("Fetched calendar subscribers", "calendar_id", calendarID, "count", len(all))
	return all, nil
}

// DeleteSubscriber removes one subscriber from a calendar.
func (c *Client) DeleteSubscriber(ctx context.Context, calendarID, subscriberID string) error {
	_, err := c.request(ctx, http.MethodPost, fmt.Sprintf(
		"/calendar/subscribers/delete?token=%s&calendar_id=%s&subscriber_id=%s",
		c.apiKey, calendarID, subscriberID))
	if err != nil {
		return err
	}
	c.logger.Infow("Deleted calendar subscriber", "calendar_id", calendarID, "subscriber_id", subscriberID)
	return nil
}

type subscriberJSON struct {
	ID           json.Number `json:"id"`
	SubscriberID json.Number `json:"subscriber_id"`
	Email        string      `json:"email"`
}

func (s subscriberJSON) toSubscriber() Subscriber {
	id := s.ID.String()
	if id == "" {
		id = s.SubscriberID.String()
	}
	return Subscriber{ID: id, Email: strings.ToLower(strings.TrimSpace(s.Email))}
}

func parseRetryAfter(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
