package store

import (
	"maps"
	"time"
)

// Dataset document names. The file backend turns these into <name>.json,
// matching the layout the bot has always used on disk.
const (
	datasetRecipients  = "users"
	datasetChannels    = "channels"
	datasetTargets     = "broadcast_channels"
	datasetSubmissions = "submissions"
)

// Recipient is an individual user the bot can message. One record per
// identity; the map key is the Telegram user id.
type Recipient struct {
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	LastSeen  time.Time `json:"last_seen"`
	JoinedAt  time.Time `json:"joined_date"`
}

// BroadcastTarget is a channel or group registered for broadcasts.
// HasAccess is only ever refreshed by the access resolver.
type BroadcastTarget struct {
	Title       string    `json:"title"`
	HasAccess   bool      `json:"has_access"`
	AddedAt     time.Time `json:"added_date"`
	LastChecked time.Time `json:"last_checked"`
}

// SubscriptionChannel is static reference data shown to users on /start.
type SubscriptionChannel struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

type (
	Recipients  map[int64]Recipient
	Channels    map[string]SubscriptionChannel
	Targets     map[int64]BroadcastTarget
	// Submissions maps recipient id -> subscription channel id -> confirmed.
	// A cell once true is never reset except by the bulk reset operation.
	Submissions map[int64]map[string]bool
)

// Clone implementations always return a non-nil map so callers can insert
// without nil checks; the cache hands out clones, never its own snapshot.

func (r Recipients) Clone() Recipients {
	out := make(Recipients, len(r))
	maps.Copy(out, r)
	return out
}

func (c Channels) Clone() Channels {
	out := make(Channels, len(c))
	maps.Copy(out, c)
	return out
}

func (t Targets) Clone() Targets {
	out := make(Targets, len(t))
	maps.Copy(out, t)
	return out
}

func (s Submissions) Clone() Submissions {
	out := make(Submissions, len(s))
	for id, cells := range s {
		inner := make(map[string]bool, len(cells))
		maps.Copy(inner, cells)
		out[id] = inner
	}
	return out
}
