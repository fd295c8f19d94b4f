// Package marker persists the per-item "notification already sent" fact.
package marker

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateClaimed   State = "claimed"
	StateConfirmed State = "confirmed"
)

// ErrExists is returned by Claim when a marker for the item is already present.
var ErrExists = errors.New("notification marker already exists")

type Marker struct {
	State      State     `json:"state"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	CampaignID int64     `json:"campaign_id,omitempty"`
}

// Store must implement Claim as an atomic insert-if-absent: of two concurrent
// claims for the same item exactly one returns nil. Errors other than ErrExists
// indicate a storage failure, not contention.
type Store interface {
	Claim(ctx context.Context, itemID int64) error
	Get(ctx context.Context, itemID int64) (Marker, bool, error)
	Put(ctx context.Context, itemID int64, m Marker) error
	Delete(ctx context.Context, itemID int64) error
}

func validateItemID(itemID int64) error {
	if itemID <= 0 {
		return errors.New("item id must be positive")
	}
	return nil
}
