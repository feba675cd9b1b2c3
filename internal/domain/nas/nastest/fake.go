// Package nastest provides an in-memory NAS adapter for tests and local runs.
package nastest

import (
	"context"
	"errors"
	"sync"

	"github.com/zmooth/zmooth-api/internal/domain/nas"
)

var ErrUnreachable = errors.New("nas unreachable")

// Call records one adapter invocation
type Call struct {
	Action   nas.Action
	Identity nas.Identity
	Profile  string
	Limits   nas.Limits
}

// Adapter records calls and keeps a set of live attachments.
// Set Fail to make every call return ErrUnreachable.
type Adapter struct {
	mu       sync.Mutex
	fail     bool
	calls    []Call
	active   map[string]nas.Identity
	disabled map[string]bool
}

func NewAdapter() *Adapter {
	return &Adapter{
		active:   make(map[string]nas.Identity),
		disabled: make(map[string]bool),
	}
}

func (a *Adapter) SetFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

// Attach simulates a device joining the network
func (a *Adapter) Attach(id nas.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[id.String()] = id
}

func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsFor filters recorded calls by action
func (a *Adapter) CallsFor(action nas.Action) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func (a *Adapter) Disabled(user string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled[user]
}

func (a *Adapter) Grant(ctx context.Context, id nas.Identity, profile string, limits nas.Limits) error {
	return a.record(Call{Action: nas.ActionGrant, Identity: id, Profile: profile, Limits: limits}, func() {
		delete(a.disabled, id.User)
	})
}

func (a *Adapter) UpdateLimits(ctx context.Context, id nas.Identity, limits nas.Limits) error {
	return a.record(Call{Action: nas.ActionUpdateLimits, Identity: id, Limits: limits}, nil)
}

func (a *Adapter) Revoke(ctx context.Context, id nas.Identity) error {
	return a.record(Call{Action: nas.ActionRevoke, Identity: id}, func() {
		a.drop(id)
	})
}

func (a *Adapter) Disable(ctx context.Context, id nas.Identity) error {
	return a.record(Call{Action: nas.ActionDisable, Identity: id}, func() {
		a.disabled[id.User] = true
		a.drop(nas.Identity{User: id.User})
	})
}

func (a *Adapter) ListActive(ctx context.Context) ([]nas.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return nil, ErrUnreachable
	}
	ids := make([]nas.Identity, 0, len(a.active))
	for _, id := range a.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *Adapter) record(c Call, apply func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
	if a.fail {
		return ErrUnreachable
	}
	if apply != nil {
		apply()
	}
	return nil
}

// drop must be called with mu held
func (a *Adapter) drop(id nas.Identity) {
	for key, live := range a.active {
		if live.User != id.User {
			continue
		}
		if id.Address == "" || live.Address == id.Address {
			delete(a.active, key)
		}
	}
}
