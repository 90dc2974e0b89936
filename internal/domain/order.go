package domain

import "time"

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Order is owned by the order subsystem. Dispatch only ever writes CourierID.
type Order struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	TerminalID     string    `json:"terminal_id"`
	OrderStatusID  string    `json:"order_status_id"`
	CourierID      *string   `json:"courier_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Origin         Location  `json:"origin"`
	Destination    Location  `json:"destination"`
	PaymentType    string    `json:"payment_type"`
}

func (o Order) HasCourier() bool {
	return o.CourierID != nil && *o.CourierID != ""
}

// AssignedTo reports whether the order is currently held by courierID.
func (o Order) AssignedTo(courierID string) bool {
	return o.HasCourier() && *o.CourierID == courierID
}

// OrderStatus is a per-organization status. Flags drive dispatch decisions.
type OrderStatus struct {
	ID               string `json:"id"`
	OrganizationID   string `json:"organization_id"`
	Code             string `json:"code"`
	Name             string `json:"name"`
	NotificationText string `json:"notification_text"`
	Finish           bool   `json:"finish"`
	Cancel           bool   `json:"cancel"`
	Waiting          bool   `json:"waiting"`
	OnWay            bool   `json:"on_way"`
	InTerminal       bool   `json:"in_terminal"`
	ShouldPay        bool   `json:"should_pay"`
}

// IsTerminal is true for statuses that are never dispatched.
func (s OrderStatus) IsTerminal() bool {
	return s.Finish || s.Cancel
}

type Organization struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	MaxActiveOrderCount int    `json:"max_active_order_count"`
	WebhookURL          string `json:"webhook_url"`
}

func (o Organization) HasWebhook() bool {
	return o.WebhookURL != ""
}

// HasCapacity reports whether a courier holding active orders can take one more.
// A zero cap means the organization does not limit couriers.
func (o Organization) HasCapacity(active int) bool {
	if o.MaxActiveOrderCount <= 0 {
		return true
	}
	return active < o.MaxActiveOrderCount
}

// User is a back-office user; couriers are users with the courier role.
type User struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone"`
	FCMToken   string `json:"-"`
	Online     bool   `json:"online"`
	TerminalID string `json:"terminal_id"`
}
