// Package orders turns paid-order webhooks into fulfillments, subscription
// welcome emails, and workshop registrations. Every side effect runs under
// an action record so webhook replays and job retries never double-send.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shopflow/internal/ledger"
	"shopflow/internal/log"
	"shopflow/internal/mailer"
	"shopflow/internal/queue"
	"shopflow/internal/shopify"
	"shopflow/internal/workshop"
)

type shopAPI interface {
	GetOrderTags(ctx context.Context, shop, orderID string) ([]string, error)
	FulfillOrder(ctx context.Context, shop, orderID string, notifyCustomer bool) (shopify.FulfillResult, error)
}

type templateSender interface {
	SendTemplate(ctx context.Context, shop, templateKey, toEmail string, vars map[string]string) (mailer.SendResult, error)
}

type Processor struct {
	store     *Store
	shop      shopAPI
	mail      templateSender
	actions   *ledger.Ledger
	workshops *workshop.Store
	logger    *log.Logger
}

func NewProcessor(store *Store, shop shopAPI, mail templateSender, actions *ledger.Ledger, workshops *workshop.Store, logger *log.Logger) *Processor {
	return &Processor{
		store:     store,
		shop:      shop,
		mail:      mail,
		actions:   actions,
		workshops: workshops,
		logger:    logger,
	}
}

type actionResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type processResult struct {
	OrderID   string         `json:"order_id"`
	OrderName string         `json:"order_name,omitempty"`
	Actions   []actionResult `json:"actions"`
}

// Handle is the queue handler for paid-order jobs. The payload is the raw
// webhook body.
func (p *Processor) Handle(ctx context.Context, job queue.Job) (json.RawMessage, error) {
	var order Order
	if err := json.Unmarshal(job.Payload, &order); err != nil {
		return nil, fmt.Errorf("decode order payload: %w", err)
	}
	result, err := p.Process(ctx, job.Shop, &order, job.Payload)
	if err != nil {
		return nil, err
	}
	stats, _ := json.Marshal(result)
	return stats, nil
}

// Process runs the full pipeline for one paid order. Any error from a
// guarded action is re-raised so the enclosing job retries; actions that
// already completed are skipped on the next pass.
func (p *Processor) Process(ctx context.Context, shop string, order *Order, raw json.RawMessage) (*processResult, error) {
	orderID := order.OrderID()
	result := &processResult{OrderID: orderID, OrderName: order.OrderName()}

	p.store.SaveSeen(ctx, shop, order, raw)

	products := DetectProductTypes(order.LineItems)
	customer := ExtractCustomerInfo(order)
	if customer.Email == "" {
		p.logger.Warnw("Order has no customer email", "shop", shop, "order", orderID)
	}

	hasSubscription := products.HasNorthern || products.HasSouthern
	var tags OrderTags
	if hasSubscription {
		rawTags, err := p.shop.GetOrderTags(ctx, shop, orderID)
		if err != nil {
			return nil, err
		}
		tags = ParseOrderTags(rawTags)
	}

	if hasSubscription {
		if err := p.processSubscription(ctx, shop, order, customer, products, tags, result); err != nil {
			return result, err
		}
	}

	if products.HasWorkshop {
		if err := p.processWorkshop(ctx, shop, order, customer, result); err != nil {
			return result, err
		}
	}

	if !hasSubscription && !products.HasWorkshop {
		result.Actions = append(result.Actions, actionResult{Action: "skipped", Status: "no_matching_products"})
	}

	p.logger.Infow("Order processed", "shop", shop, "order", orderID, "actions", len(result.Actions))
	return result, nil
}

func (p *Processor) processSubscription(ctx context.Context, shop string, order *Order, customer CustomerInfo, products ProductTypes, tags OrderTags, result *processResult) error {
	orderID := order.OrderID()

	switch {
	case tags.IsFirstOrder:
		if products.HasNorthern && customer.Email != "" {
			if err := p.sendGuardedEmail(ctx, shop, order, customer,
				ledger.ActionEmailNorthern, mailer.TemplateNorthern, result); err != nil {
				return err
			}
		}
		if products.HasSouthern && customer.Email != "" {
			if err := p.sendGuardedEmail(ctx, shop, order, customer,
				ledger.ActionEmailSouthern, mailer.TemplateSouthern, result); err != nil {
				return err
			}
		}
		return p.fulfillGuarded(ctx, shop, orderID, ledger.ActionFulfillSubscription, true, result)

	case tags.IsRecurringOrder:
		// renewals fulfill quietly: no email, no customer notification
		return p.fulfillGuarded(ctx, shop, orderID, ledger.ActionFulfillSubscription, false, result)

	default:
		p.logger.Infow("Subscription order has no lifecycle tag, skipping",
			"shop", shop, "order", orderID, "tags", tags.Raw)
		result.Actions = append(result.Actions, actionResult{Action: "subscription", Status: "no_matching_tag"})
		return nil
	}
}

func (p *Processor) processWorkshop(ctx context.Context, shop string, order *Order, customer CustomerInfo, result *processResult) error {
	orderID := order.OrderID()

	settings, err := p.workshops.GetSettings(ctx, shop)
	if err != nil {
		return err
	}
	reg := workshop.Registration{
		Shop:        shop,
		OrderID:     orderID,
		OrderName:   order.OrderName(),
		CustomerID:  customer.CustomerID,
		Email:       customer.Email,
		FirstName:   customer.FirstName,
		LastName:    customer.LastName,
		PurchasedAt: parsePurchasedAt(order),
	}
	if settings != nil {
		reg.WorkshopAt = settings.WorkshopAt
	}
	if err := p.workshops.SaveRegistration(ctx, reg); err != nil {
		return err
	}

	if customer.Email != "" {
		if err := p.sendGuardedEmail(ctx, shop, order, customer,
			ledger.ActionEmailWorkshop, mailer.TemplateWorkshop, result); err != nil {
			return err
		}
	}
	return p.fulfillGuarded(ctx, shop, orderID, ledger.ActionFulfillWorkshop, true, result)
}

func (p *Processor) sendGuardedEmail(ctx context.Context, shop string, order *Order, customer CustomerInfo, action, templateKey string, result *processResult) error {
	details, _ := json.Marshal(map[string]string{"template": templateKey, "email": customer.Email})

	outcome, err := p.actions.WithAction(ctx, shop, order.OrderID(), action, details,
		func(ctx context.Context) (json.RawMessage, error) {
			sent, err := p.mail.SendTemplate(ctx, shop, templateKey, customer.Email, map[string]string{
				"first_name": customer.FirstName,
				"last_name":  customer.LastName,
				"order_name": order.OrderName(),
				"order_id":   order.OrderID(),
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(sent)
		})
	if err != nil {
		return err
	}
	if outcome.Skipped {
		result.Actions = append(result.Actions, actionResult{Action: action, Status: "skipped"})
	} else {
		result.Actions = append(result.Actions, actionResult{Action: action, Status: "sent"})
	}
	return nil
}

func (p *Processor) fulfillGuarded(ctx context.Context, shop, orderID, action string, notify bool, result *processResult) error {
	details, _ := json.Marshal(map[string]bool{"notify_customer": notify})

	outcome, err := p.actions.WithAction(ctx, shop, orderID, action, details,
		func(ctx context.Context) (json.RawMessage, error) {
			fulfilled, err := p.shop.FulfillOrder(ctx, shop, orderID, notify)
			if err != nil {
				return nil, err
			}
			return json.Marshal(fulfilled)
		})
	if err != nil {
		return err
	}
	if outcome.Skipped {
		result.Actions = append(result.Actions, actionResult{Action: action, Status: "skipped"})
	} else {
		result.Actions = append(result.Actions, actionResult{Action: action, Status: "completed"})
	}
	return nil
}

func parsePurchasedAt(order *Order) *time.Time {
	for _, raw := range []string{order.ProcessedAt, order.CreatedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return &t
		}
	}
	return nil
}
