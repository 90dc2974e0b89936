package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
)

// Kind names a cached reference collection.
type Kind string

const (
	KindOrganization Kind = "organization"
	KindOrderStatus  Kind = "order_status"
	KindUser         Kind = "user"
)

var ErrUnknownKind = errors.New("unknown cache kind")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindOrganization, KindOrderStatus, KindUser:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Source is the system of record for reference data.
type Source interface {
	Organization(ctx context.Context, id string) (domain.Organization, error)
	OrderStatuses(ctx context.Context) ([]domain.OrderStatus, error)
	User(ctx context.Context, id string) (domain.User, error)
}

type Options struct {
	TTL         time.Duration
	LoadTimeout time.Duration
}

// ConfigCache serves organizations, order statuses and users. Values are
// shared between callers and must not be modified.
type ConfigCache struct {
	orgs     *ReadThrough[string, domain.Organization]
	statuses *ReadThrough[struct{}, []domain.OrderStatus]
	users    *ReadThrough[string, domain.User]
}

func NewConfigCache(src Source, opts Options, clk clock.Clock) *ConfigCache {
	return &ConfigCache{
		orgs: NewReadThrough("organization", src.Organization, opts.TTL, opts.LoadTimeout, clk),
		statuses: NewReadThrough("order_status", func(ctx context.Context, _ struct{}) ([]domain.OrderStatus, error) {
			return src.OrderStatuses(ctx)
		}, opts.TTL, opts.LoadTimeout, clk),
		users: NewReadThrough("user", src.User, opts.TTL, opts.LoadTimeout, clk),
	}
}

func (c *ConfigCache) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	return c.orgs.Get(ctx, id)
}

func (c *ConfigCache) GetOrderStatuses(ctx context.Context) ([]domain.OrderStatus, error) {
	return c.statuses.Get(ctx, struct{}{})
}

// GetOrderStatus looks id up in the cached status list.
func (c *ConfigCache) GetOrderStatus(ctx context.Context, id string) (domain.OrderStatus, error) {
	statuses, err := c.GetOrderStatuses(ctx)
	if err != nil {
		return domain.OrderStatus{}, err
	}
	for _, s := range statuses {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.OrderStatus{}, fmt.Errorf("%w: %s", domain.ErrStatusNotFound, id)
}

func (c *ConfigCache) GetUser(ctx context.Context, id string) (domain.User, error) {
	return c.users.Get(ctx, id)
}

// Invalidate drops one entry. Order statuses are cached as a single list, so
// any status invalidation drops the whole list.
func (c *ConfigCache) Invalidate(kind Kind, id string) error {
	switch kind {
	case KindOrganization:
		c.orgs.Invalidate(id)
	case KindOrderStatus:
		c.statuses.InvalidateAll()
	case KindUser:
		c.users.Invalidate(id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}
