package orders

import (
	"encoding/json"
	"strings"
)

// KindOrderPaid is the job kind produced by the orders/paid webhook.
const KindOrderPaid = "order_paid"

// Order is the subset of the Shopify order webhook payload the processor
// cares about.
type Order struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	OrderNumber  json.Number `json:"order_number"`
	Email        string      `json:"email"`
	ContactEmail string      `json:"contact_email"`
	ProcessedAt  string      `json:"processed_at"`
	CreatedAt    string      `json:"created_at"`
	Customer     *struct {
		ID        json.Number `json:"id"`
		Email     string      `json:"email"`
		FirstName string      `json:"first_name"`
		LastName  string      `json:"last_name"`
	} `json:"customer"`
	BillingAddress *struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"billing_address"`
	LineItems []LineItem `json:"line_items"`
}

type LineItem struct {
	Title        string      `json:"title"`
	Name         string      `json:"name"`
	ProductTitle string      `json:"product_title"`
	VariantTitle string      `json:"variant_title"`
	VariantID    json.Number `json:"variant_id"`
	SKU          string      `json:"sku"`
}

func (o *Order) OrderID() string {
	return o.ID.String()
}

func (o *Order) OrderName() string {
	if o.Name != "" {
		return o.Name
	}
	if n := o.OrderNumber.String(); n != "" {
		return "#" + n
	}
	return ""
}

type CustomerInfo struct {
	Email      string
	FirstName  string
	LastName   string
	CustomerID string
}

func (c CustomerInfo) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// ExtractCustomerInfo prefers the order-level contact email, falling back
// through the customer record, and pulls names from customer or billing
// address.
func ExtractCustomerInfo(o *Order) CustomerInfo {
	info := CustomerInfo{
		Email: o.ContactEmail,
	}
	if info.Email == "" {
		info.Email = o.Email
	}
	if o.Customer != nil {
		if info.Email == "" {
			info.Email = o.Customer.Email
		}
		info.FirstName = o.Customer.FirstName
		info.LastName = o.Customer.LastName
		info.CustomerID = o.Customer.ID.String()
	}
	if o.BillingAddress != nil {
		if info.FirstName == "" {
			info.FirstName = o.BillingAddress.FirstName
		}
		if info.LastName == "" {
			info.LastName = o.BillingAddress.LastName
		}
	}
	return info
}

type ProductTypes struct {
	HasNorthern   bool
	HasSouthern   bool
	HasWorkshop   bool
	WorkshopItems []LineItem
}

// DetectProductTypes classifies line items by scanning every title field
// for the product family keywords.
func DetectProductTypes(items []LineItem) ProductTypes {
	var result ProductTypes
	for _, item := range items {
		combined := strings.ToLower(strings.Join([]string{
			item.Title, item.Name, item.ProductTitle, item.VariantTitle,
		}, " "))

		if strings.Contains(combined, "northern") {
			result.HasNorthern = true
		}
		if strings.Contains(combined, "southern") {
			result.HasSouthern = true
		}
		if strings.Contains(combined, "workshop") {
			result.HasWorkshop = true
			result.WorkshopItems = append(result.WorkshopItems, item)
		}
	}
	return result
}

type OrderTags struct {
	IsFirstOrder     bool
	IsRecurringOrder bool
	Raw              []string
}

// ParseOrderTags recognizes the subscription lifecycle tags Shopify's
// subscription apps attach to orders.
func ParseOrderTags(tags []string) OrderTags {
	result := OrderTags{Raw: tags}
	for _, tag := range tags {
		switch strings.ToLower(strings.TrimSpace(tag)) {
		case "subscription first order":
			result.IsFirstOrder = true
		case "subscription recurring order":
			result.IsRecurringOrder = true
		}
	}
	return result
}
