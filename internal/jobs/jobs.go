// Package jobs defines every job kind that flows through the bus. The set is
// closed: decoding rejects unknown kinds, unknown fields and other schema versions.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is bumped whenever a payload shape changes incompatibly.
const SchemaVersion = 1

var ErrMalformedJob = errors.New("malformed job")

// Kind names a job type. Each kind is consumed from the queue of the same name.
type Kind string

const (
	KindNewOrderNotify        Kind = "new_order_notify"
	KindPushCourierToQueue    Kind = "push_courier_to_queue"
	KindSetQueueLastCourier   Kind = "set_queue_last_courier"
	KindTryAssignCourier      Kind = "try_assign_courier"
	KindClearCourier          Kind = "clear_courier"
	KindOrderChangeCourier    Kind = "order_change_courier"
	KindOrderStatusChanged    Kind = "order_status_changed"
	KindOrderEcommerceWebhook Kind = "order_ecommerce_webhook"
	KindPartnerDispatch       Kind = "partner_dispatch"
	KindYandexCallback        Kind = "yandex_callback"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindNewOrderNotify,
		KindPushCourierToQueue,
		KindSetQueueLastCourier,
		KindTryAssignCourier,
		KindClearCourier,
		KindOrderChangeCourier,
		KindOrderStatusChanged,
		KindOrderEcommerceWebhook,
		KindPartnerDispatch,
		KindYandexCallback,
	}
}

// Queue is the queue (topic) name for the kind.
func (k Kind) Queue() string {
	return string(k)
}

// Payload is implemented by every job payload. Payloads carry ids only.
type Payload interface {
	Kind() Kind
	// Key is the partition key; jobs with the same key are consumed in order.
	Key() string
	Validate() error
}

// Envelope is the wire form of a job.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Version    int             `json:"version"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Job is a decoded envelope.
type Job struct {
	Envelope
	Payload Payload
}

// New wraps p into a fresh envelope.
func New(p Payload, now time.Time) (Envelope, error) {
	if err := p.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedJob, p.Kind(), err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}

	return Envelope{
		ID:         uuid.New().String(),
		Kind:       p.Kind(),
		Version:    SchemaVersion,
		EnqueuedAt: now.UTC(),
		Payload:    raw,
	}, nil
}

// Decode parses a wire envelope and its payload, failing fast on anything unexpected.
func Decode(data []byte) (Job, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return Job{}, fmt.Errorf("%w: envelope: %v", ErrMalformedJob, err)
	}
	if env.Version != SchemaVersion {
		return Job{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedJob, env.Version)
	}

	p, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return Job{}, err
	}

	return Job{Envelope: env, Payload: p}, nil
}

// DecodePayload parses the payload of a given kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedJob, kind)
	}

	p, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedJob, kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedJob, kind, err)
	}
	return p, nil
}

var decoders = map[Kind]func([]byte) (Payload, error){
	KindNewOrderNotify:        decodeAs[NewOrderNotify],
	KindPushCourierToQueue:    decodeAs[PushCourierToQueue],
	KindSetQueueLastCourier:   decodeAs[SetQueueLastCourier],
	KindTryAssignCourier:      decodeAs[TryAssignCourier],
	KindClearCourier:          decodeAs[ClearCourier],
	KindOrderChangeCourier:    decodeAs[OrderChangeCourier],
	KindOrderStatusChanged:    decodeAs[OrderStatusChanged],
	KindOrderEcommerceWebhook: decodeAs[OrderEcommerceWebhook],
	KindPartnerDispatch:       decodeAs[PartnerDispatch],
	KindYandexCallback:        decodeAs[YandexCallback],
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
