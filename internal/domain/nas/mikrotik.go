package nas

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/zmooth/zmooth-api/internal/pkg/mikrotik"
)

const defaultProfile = "default"

// MikrotikAdapter drives a RouterOS hotspot through its REST API.
// Each owner maps to one hotspot user; rate limits ride on the user profile.
type MikrotikAdapter struct {
	client *mikrotik.Client
	secret []byte
}

// NewMikrotikAdapter creates the adapter. secret derives hotspot user
// passwords so they never need to be stored.
func NewMikrotikAdapter(client *mikrotik.Client, secret string) *MikrotikAdapter {
	return &MikrotikAdapter{client: client, secret: []byte(secret)}
}

// Password returns the hotspot password for a NAS user
func (a *MikrotikAdapter) Password(user string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(user))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

func (a *MikrotikAdapter) Grant(ctx context.Context, id Identity, profile string, limits Limits) error {
	if profile == "" {
		profile = defaultProfile
	}

	user, err := a.client.FindUser(ctx, id.User)
	if errors.Is(err, mikrotik.ErrNotFound) {
		_, err = a.client.AddUser(ctx, mikrotik.HotspotUser{
			Name:            id.User,
			Password:        a.Password(id.User),
			Profile:         profile,
			LimitBytesTotal: bytesLimit(limits),
			LimitUptime:     uptimeLimit(limits),
			Disabled:        "false",
		})
		return err
	}
	if err != nil {
		return err
	}

	fields := limitFields(limits)
	fields["profile"] = profile
	fields["disabled"] = "false"
	return a.client.UpdateUser(ctx, user.ID, fields)
}

func (a *MikrotikAdapter) UpdateLimits(ctx context.Context, id Identity, limits Limits) error {
	user, err := a.client.FindUser(ctx, id.User)
	if errors.Is(err, mikrotik.ErrNotFound) {
		// nothing provisioned, nothing to constrain
		return nil
	}
	if err != nil {
		return err
	}
	return a.client.UpdateUser(ctx, user.ID, limitFields(limits))
}

// Revoke disconnects the attachments matching id. An empty Address
// disconnects every attachment of the user.
func (a *MikrotikAdapter) Revoke(ctx context.Context, id Identity) error {
	active, err := a.client.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		if !matches(id, s) {
			continue
		}
		if err := a.client.RemoveActive(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

func (a *MikrotikAdapter) Disable(ctx context.Context, id Identity) error {
	user, err := a.client.FindUser(ctx, id.User)
	switch {
	case errors.Is(err, mikrotik.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := a.client.UpdateUser(ctx, user.ID, map[string]string{"disabled": "true"}); err != nil {
			return err
		}
	}
	return a.Revoke(ctx, Identity{User: id.User})
}

func (a *MikrotikAdapter) ListActive(ctx context.Context) ([]Identity, error) {
	active, err := a.client.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]Identity, 0, len(active))
	for _, s := range active {
		ids = append(ids, Identity{User: s.User, Address: s.MACAddress, Session: s.ID})
	}
	return ids, nil
}

func matches(id Identity, s mikrotik.ActiveSession) bool {
	if s.User != id.User {
		return false
	}
	if id.Session != "" && id.Session == s.ID {
		return true
	}
	if id.Address == "" {
		return id.Session == ""
	}
	return id.Address == s.MACAddress || id.Address == s.Address
}

func limitFields(limits Limits) map[string]string {
	return map[string]string{
		"limit-bytes-total": bytesLimit(limits),
		"limit-uptime":      uptimeLimit(limits),
	}
}

// RouterOS reads zero as unlimited
func bytesLimit(limits Limits) string {
	if limits.DataBytes == nil {
		return "0"
	}
	if *limits.DataBytes <= 0 {
		// zero would lift the cap, one byte keeps it shut
		return "1"
	}
	return strconv.FormatInt(*limits.DataBytes, 10)
}

func uptimeLimit(limits Limits) string {
	if limits.Uptime == nil {
		return "0s"
	}
	if *limits.Uptime < time.Second {
		return "1s"
	}
	return mikrotik.FormatUptime(*limits.Uptime)
}
