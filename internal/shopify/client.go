// Package shopify is a minimal Admin API client covering what the job
// handlers need: order tags, customer email lookup and fulfillment creation.
// Error classification happens here, at the HTTP boundary: 429s become
// taskerr.RateLimited with the Retry-After value, network failures become
// taskerr.Transient, everything else is permanent.
package shopify

import (
	"bytes"
	"context"
	"database/sql"
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
)

type Client struct {
	db         *sql.DB
	httpc      *http.Client
	apiVersion string
	logger     *log.Logger
}

func NewClient(db *sql.DB, apiVersion string, logger *log.Logger) *Client {
	return &Client{
		db:         db,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		apiVersion: apiVersion,
		logger:     logger,
	}
}

func (c *Client) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS shopify_sessions (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            access_token TEXT NOT NULL,
            scope TEXT,
            is_uninstalled BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_shopify_sessions_shop UNIQUE (shop)
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure shopify_sessions schema: %w", err)
	}
	return nil
}

func (c *Client) accessToken(ctx context.Context, shop string) (string, error) {
	var token string
	err := c.db.QueryRowContext(ctx, `
        SELECT access_token FROM shopify_sessions
        WHERE shop = $1 AND is_uninstalled = FALSE
        LIMIT 1
    `, shop).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && token == "") {
		return "", taskerr.NewPermanent(fmt.Errorf("no access token for shop %s", shop))
	}
	if err != nil {
		return "", fmt.Errorf("load access token for %s: %w", shop, err)
	}
	return token, nil
}

func (c *Client) request(ctx context.Context, shop, method, endpoint string, body any) (json.RawMessage, error) {
	token, err := c.accessToken(ctx, shop)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://%s/admin/api/%s%s", shop, c.apiVersion, endpoint)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyNetErr(fmt.Errorf("shopify %s %s: %w", method, endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		after := parseRetryAfter(resp.Header.Get("Retry-After"), 10*time.Second)
		c.logger.Warnw("Shopify rate limited", "shop", shop, "retry_after", after)
		return nil, taskerr.NewRateLimited(fmt.Errorf("rate limited by Shopify"), after)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetErr(fmt.Errorf("read shopify response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := string(data)
		if len(errBody) > 200 {
			errBody = errBody[:200]
		}
		errf := fmt.Errorf("shopify API error: %d - %s", resp.StatusCode, errBody)
		if resp.StatusCode >= 500 {
			return nil, taskerr.NewTransient(errf)
		}
		return nil, taskerr.NewPermanent(errf)
	}
	return data, nil
}

// GetOrderTags fetches and splits an order's tag string.
func (c *Client) GetOrderTags(ctx context.Context, shop, orderID string) ([]string, error) {
	data, err := c.request(ctx, shop, http.MethodGet,
		fmt.Sprintf("/orders/%s.json?fields=id,tags", orderID), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Order struct {
			Tags string `json:"tags"`
		} `json:"order"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode order tags: %w", err)
	}

	var tags []string
	for _, t := range strings.Split(payload.Order.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

type Customer struct {
	Email     string
	FirstName string
	LastName  string
}

const customerQuery = `
    query getCustomer($id: ID!) {
      node(id: $id) {
        ... on Customer { id email firstName lastName }
      }
    }`

// GetCustomerEmail resolves a customer's email via the GraphQL Admin API.
// Returns nil when the customer does not exist.
func (c *Client) GetCustomerEmail(ctx context.Context, shop, customerID string) (*Customer, error) {
	gid := customerID
	if !strings.HasPrefix(gid, "gid://") {
		gid = "gid://shopify/Customer/" + customerID
	}

	data, err := c.request(ctx, shop, http.MethodPost, "/graphql.json", map[string]any{
		"query":     customerQuery,
		"variables": map[string]string{"id": gid},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data struct {
			Node *struct {
				Email     string `json:"email"`
				FirstName string `json:"firstName"`
				LastName  string `json:"lastName"`
			} `json:"node"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode customer lookup: %w", err)
	}
	if len(payload.Errors) > 0 {
		return nil, taskerr.NewPermanent(fmt.Errorf("graphql error: %s", payload.Errors[0].Message))
	}
	if payload.Data.Node == nil {
		return nil, nil
	}
	return &Customer{
		Email:     payload.Data.Node.Email,
		FirstName: payload.Data.Node.FirstName,
		LastName:  payload.Data.Node.LastName,
	}, nil
}

type FulfillResult struct {
	AlreadyFulfilled bool   `json:"already_fulfilled,omitempty"`
	FulfillmentID    int64  `json:"fulfillment_id,omitempty"`
	Status           string `json:"status,omitempty"`
}

// FulfillOrder fulfills every open fulfillment order on the order. An order
// with no open fulfillment orders but existing fulfillments is treated as
// already fulfilled rather than an error.
func (c *Client) FulfillOrder(ctx context.Context, shop, orderID string, notifyCustomer bool) (FulfillResult, error) {
	data, err := c.request(ctx, shop, http.MethodGet,
		fmt.Sprintf("/orders/%s/fulfillment_orders.json", orderID), nil)
	if err != nil {
		return FulfillResult{}, err
	}

	var foPayload struct {
		FulfillmentOrders []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"fulfillment_orders"`
	}
	if err := json.Unmarshal(data, &foPayload); err != nil {
		return FulfillResult{}, fmt.Errorf("decode fulfillment orders: %w", err)
	}

	var open []int64
	for _, fo := range foPayload.FulfillmentOrders {
		if fo.Status == "open" || fo.Status == "in_progress" {
			open = append(open, fo.ID)
		}
	}

	if len(open) == 0 {
		existing, err := c.request(ctx, shop, http.MethodGet,
			fmt.Sprintf("/orders/%s/fulfillments.json", orderID), nil)
		if err != nil {
			return FulfillResult{}, err
		}
		var fPayload struct {
			Fulfillments []json.RawMessage `json:"fulfillments"`
		}
		if err := json.Unmarshal(existing, &fPayload); err != nil {
			return FulfillResult{}, fmt.Errorf("decode fulfillments: %w", err)
		}
		if len(fPayload.Fulfillments) > 0 {
			c.logger.Infow("Order already fulfilled", "shop", shop, "order_id", orderID)
			return FulfillResult{AlreadyFulfilled: true}, nil
		}
		return FulfillResult{}, taskerr.NewPermanent(
			fmt.Errorf("no open fulfillment orders and no existing fulfillments for order %s", orderID))
	}

	lineItems := make([]map[string]any, len(open))
	for i, id := range open {
		lineItems[i] = map[string]any{"fulfillment_order_id": id}
	}

	data, err = c.request(ctx, shop, http.MethodPost, "/fulfillments.json", map[string]any{
		"fulfillment": map[string]any{
			"notify_customer":                 notifyCustomer,
			"line_items_by_fulfillment_order": lineItems,
		},
	})
	if err != nil {
		return FulfillResult{}, err
	}

	var created struct {
		Fulfillment struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"fulfillment"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return FulfillResult{}, fmt.Errorf("decode created fulfillment: %w", err)
	}
	c.logger.Infow("Fulfillment created",
		"shop", shop, "order_id", orderID, "fulfillment_id", created.Fulfillment.ID)
	return FulfillResult{FulfillmentID: created.Fulfillment.ID, Status: created.Fulfillment.Status}, nil
}

// classifyNetErr marks transport-level failures (dial, reset, timeout,
// truncated body) as transient. By the time we are here the request never
// produced an HTTP status, so a retry is always the right call.
func classifyNetErr(err error) error {
	return taskerr.NewTransient(err)
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
