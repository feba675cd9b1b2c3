package nas

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// Identity names a subscriber on the network access server
type Identity struct {
	User    string `json:"user"`
	Address string `json:"address,omitempty"` // MAC or IP of the device
	Session string `json:"session,omitempty"` // NAS side session handle
}

// OwnerIdentity maps a ledger owner to its NAS user
func OwnerIdentity(ownerID uuid.UUID) Identity {
	return Identity{User: ownerID.String()}
}

// SessionIdentity maps a ledger session to the NAS attachment it represents
func SessionIdentity(s *ledger.Session) Identity {
	return Identity{User: s.OwnerID.String(), Address: s.NetworkIdentity, Session: s.NASIdentity}
}

func (i Identity) String() string {
	if i.Address == "" {
		return i.User
	}
	return fmt.Sprintf("%s@%s", i.User, i.Address)
}

// Limits are the constraints pushed to the NAS. Nil fields are unbounded.
type Limits struct {
	DataBytes *int64         `json:"data_bytes,omitempty"`
	Uptime    *time.Duration `json:"uptime,omitempty"`
	RateLimit string         `json:"rate_limit,omitempty"`
}

// LimitsFor derives NAS limits from what is left on an entitlement
func LimitsFor(plan *ledger.Plan, ent *ledger.Entitlement, now time.Time) Limits {
	limits := Limits{
		DataBytes: ent.RemainingBytes(),
		Uptime:    ent.RemainingTime(now),
	}
	if plan != nil && plan.DownloadKbps != nil && plan.UploadKbps != nil {
		// RouterOS rate-limit is rx/tx from the router's point of view
		limits.RateLimit = fmt.Sprintf("%dk/%dk", *plan.UploadKbps, *plan.DownloadKbps)
	}
	return limits
}

// Adapter is the network access server control surface.
// Every call must be idempotent; callers bound it with a timeout.
type Adapter interface {
	Grant(ctx context.Context, id Identity, profile string, limits Limits) error
	UpdateLimits(ctx context.Context, id Identity, limits Limits) error
	Revoke(ctx context.Context, id Identity) error
	Disable(ctx context.Context, id Identity) error
	ListActive(ctx context.Context) ([]Identity, error)
}
