package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/cache"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
)

type fakeUsers map[string]domain.User

func (f fakeUsers) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

type fakePruner struct {
	mu          sync.Mutex
	pruned      map[string]string
	invalidated []string
}

func newFakePruner() *fakePruner {
	return &fakePruner{pruned: map[string]string{}}
}

func (p *fakePruner) PruneToken(_ context.Context, userID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruned[userID] = token
	return nil
}

func (p *fakePruner) Invalidate(_ context.Context, inv cache.Invalidation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, string(inv.Kind)+":"+inv.ID)
	return nil
}

// fakeSender answers per device token.
type fakeSender struct {
	mu      sync.Mutex
	errs    map[string]error
	bearers []string
	// rejectBearer makes every send with that bearer fail as unauthorized.
	rejectBearer string
}

func (s *fakeSender) Send(_ context.Context, bearer, token string, _ Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bearers = append(s.bearers, bearer)
	if bearer == s.rejectBearer {
		return ErrUnauthorized
	}
	return s.errs[token]
}

type fakeCreds struct {
	mu     sync.Mutex
	tokens []string
	issued int
	resets int
	err    error
}

func (c *fakeCreds) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	tok := c.tokens[min(c.issued, len(c.tokens)-1)]
	c.issued++
	return tok, nil
}

func (c *fakeCreds) Reset(string) {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func couriers(n int) fakeUsers {
	users := fakeUsers{}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("c%d", i)
		users[id] = domain.User{ID: id, FCMToken: "tok-" + id}
	}
	return users
}

func newTestFanout(users fakeUsers, pruner *fakePruner, sender *fakeSender, creds *fakeCreds) *Fanout {
	return NewFanout(users, pruner, pruner, sender, creds, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFanout_Notify(t *testing.T) {
	ctx := context.Background()
	n := Notification{Title: "New order", OrderID: "o-1"}

	t.Run("invalid tokens are pruned without failing the batch", func(t *testing.T) {
		pruner := newFakePruner()
		sender := &fakeSender{errs: map[string]error{
			"tok-c2": ErrInvalidToken,
			"tok-c4": ErrInvalidToken,
		}}
		creds := &fakeCreds{tokens: []string{"bearer-1"}}
		f := newTestFanout(couriers(5), pruner, sender, creds)

		rep, err := f.Notify(ctx, []string{"c1", "c2", "c3", "c4", "c5"}, n)
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"c1", "c3", "c5"}, rep.Delivered)
		assert.ElementsMatch(t, []string{"c2", "c4"}, rep.Pruned)
		assert.Equal(t, map[string]string{"c2": "tok-c2", "c4": "tok-c4"}, pruner.pruned)
		assert.ElementsMatch(t, []string{"user:c2", "user:c4"}, pruner.invalidated)
		assert.Equal(t, 1, creds.issued)
	})

	t.Run("unknown users and empty tokens are skipped", func(t *testing.T) {
		users := couriers(2)
		users["c3"] = domain.User{ID: "c3"}
		sender := &fakeSender{}
		f := newTestFanout(users, newFakePruner(), sender, &fakeCreds{tokens: []string{"b"}})

		rep, err := f.Notify(ctx, []string{"c1", "c2", "c3", "ghost", "c1"}, n)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, rep.Delivered)
		assert.ElementsMatch(t, []string{"c3", "ghost"}, rep.Skipped)
		assert.Len(t, sender.bearers, 2)
	})

	t.Run("nobody reachable does not fetch a credential", func(t *testing.T) {
		creds := &fakeCreds{err: errors.New("should not be called")}
		f := newTestFanout(fakeUsers{}, newFakePruner(), &fakeSender{}, creds)

		rep, err := f.Notify(ctx, []string{"ghost"}, n)
		require.NoError(t, err)
		assert.Equal(t, 0, rep.Attempted())
	})

	t.Run("credential failure fails the batch", func(t *testing.T) {
		f := newTestFanout(couriers(2), newFakePruner(), &fakeSender{}, &fakeCreds{err: errors.New("oauth down")})
		_, err := f.Notify(ctx, []string{"c1", "c2"}, n)
		assert.ErrorContains(t, err, "oauth down")
	})

	t.Run("rejected credential is refreshed once for the batch", func(t *testing.T) {
		sender := &fakeSender{rejectBearer: "expired"}
		creds := &fakeCreds{tokens: []string{"expired", "fresh"}}
		f := newTestFanout(couriers(4), newFakePruner(), sender, creds)

		rep, err := f.Notify(ctx, []string{"c1", "c2", "c3", "c4"}, n)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2", "c3", "c4"}, rep.Delivered)
		assert.Equal(t, 2, creds.issued)
		assert.Equal(t, 1, creds.resets)
	})

	t.Run("transient failures are reported separately", func(t *testing.T) {
		sender := &fakeSender{errs: map[string]error{
			"tok-c1": &outbound.StatusError{Status: 503},
			"tok-c2": &outbound.StatusError{Status: 503},
		}}
		f := newTestFanout(couriers(2), newFakePruner(), sender, &fakeCreds{tokens: []string{"b"}})

		rep, err := f.Notify(ctx, []string{"c1", "c2"}, n)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, rep.Transient)
		assert.True(t, rep.AllTransient())
	})

	t.Run("one bad device does not stop the rest", func(t *testing.T) {
		sender := &fakeSender{errs: map[string]error{
			"tok-c1": &outbound.StatusError{Status: 400, Body: "bad payload"},
			"tok-c2": &outbound.StatusError{Status: 500},
		}}
		f := newTestFanout(couriers(3), newFakePruner(), sender, &fakeCreds{tokens: []string{"b"}})

		rep, err := f.Notify(ctx, []string{"c1", "c2", "c3"}, n)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, rep.Failed)
		assert.Equal(t, []string{"c2"}, rep.Transient)
		assert.Equal(t, []string{"c3"}, rep.Delivered)
		assert.False(t, rep.AllTransient())
	})
}
