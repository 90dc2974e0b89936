package jobs

import (
	"errors"
	"time"
)

var (
	errMissingOrderID    = errors.New("order_id is required")
	errMissingTerminalID = errors.New("terminal_id is required")
	errMissingCourierID  = errors.New("courier_id is required")
)

type NewOrderNotify struct {
	OrderID string `json:"order_id"`
}

func (NewOrderNotify) Kind() Kind    { return KindNewOrderNotify }
func (p NewOrderNotify) Key() string { return p.OrderID }
func (p NewOrderNotify) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	return nil
}

type TryAssignCourier struct {
	OrderID string `json:"order_id"`
}

func (TryAssignCourier) Kind() Kind    { return KindTryAssignCourier }
func (p TryAssignCourier) Key() string { return p.OrderID }
func (p TryAssignCourier) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	return nil
}

// rotationPayload is shared by the three rotation queues. They are keyed by
// terminal so a single consumer owns a terminal's rotation at a time.
type rotationPayload struct {
	TerminalID string `json:"terminal_id"`
	CourierID  string `json:"courier_id"`
}

func (p rotationPayload) Key() string { return p.TerminalID }
func (p rotationPayload) Validate() error {
	if p.TerminalID == "" {
		return errMissingTerminalID
	}
	if p.CourierID == "" {
		return errMissingCourierID
	}
	return nil
}

type PushCourierToQueue rotationPayload

func (PushCourierToQueue) Kind() Kind        { return KindPushCourierToQueue }
func (p PushCourierToQueue) Key() string     { return rotationPayload(p).Key() }
func (p PushCourierToQueue) Validate() error { return rotationPayload(p).Validate() }

type SetQueueLastCourier rotationPayload

func (SetQueueLastCourier) Kind() Kind        { return KindSetQueueLastCourier }
func (p SetQueueLastCourier) Key() string     { return rotationPayload(p).Key() }
func (p SetQueueLastCourier) Validate() error { return rotationPayload(p).Validate() }

type ClearCourier rotationPayload

func (ClearCourier) Kind() Kind        { return KindClearCourier }
func (p ClearCourier) Key() string     { return rotationPayload(p).Key() }
func (p ClearCourier) Validate() error { return rotationPayload(p).Validate() }

// OrderChangeCourier is emitted after order.courier_id changed. CourierID is the
// courier that was set, or the courier that was removed when the order no longer
// has one.
type OrderChangeCourier struct {
	OrderID   string `json:"order_id"`
	CourierID string `json:"courier_id"`
}

func (OrderChangeCourier) Kind() Kind    { return KindOrderChangeCourier }
func (p OrderChangeCourier) Key() string { return p.OrderID }
func (p OrderChangeCourier) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	if p.CourierID == "" {
		return errMissingCourierID
	}
	return nil
}

type OrderStatusChanged struct {
	OrderID       string `json:"order_id"`
	OrderStatusID string `json:"order_status_id"`
}

func (OrderStatusChanged) Kind() Kind    { return KindOrderStatusChanged }
func (p OrderStatusChanged) Key() string { return p.OrderID }
func (p OrderStatusChanged) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	if p.OrderStatusID == "" {
		return errors.New("order_status_id is required")
	}
	return nil
}

type OrderEcommerceWebhook struct {
	OrderID string `json:"order_id"`
}

func (OrderEcommerceWebhook) Kind() Kind    { return KindOrderEcommerceWebhook }
func (p OrderEcommerceWebhook) Key() string { return p.OrderID }
func (p OrderEcommerceWebhook) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	return nil
}

// PartnerDispatch hands an escalated order to the third-party logistics provider.
type PartnerDispatch struct {
	OrderID string `json:"order_id"`
}

func (PartnerDispatch) Kind() Kind    { return KindPartnerDispatch }
func (p PartnerDispatch) Key() string { return p.OrderID }
func (p PartnerDispatch) Validate() error {
	if p.OrderID == "" {
		return errMissingOrderID
	}
	return nil
}

// YandexCallback is a claim status update pushed by the logistics provider.
type YandexCallback struct {
	ClaimID   string    `json:"claim_id"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (YandexCallback) Kind() Kind    { return KindYandexCallback }
func (p YandexCallback) Key() string { return p.OrderID }
func (p YandexCallback) Validate() error {
	if p.ClaimID == "" {
		return errors.New("claim_id is required")
	}
	if p.OrderID == "" {
		return errMissingOrderID
	}
	if p.Status == "" {
		return errors.New("status is required")
	}
	if p.UpdatedAt.IsZero() {
		return errors.New("updated_at is required")
	}
	return nil
}
