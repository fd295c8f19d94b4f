package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/VenkatGGG/pushrelay-bridge/internal/marker"
)

type State string

const (
	StateAbsent    State = "absent"
	StateClaimed   State = "claimed"
	StateConfirmed State = "confirmed"
)

type Status struct {
	ItemID     int64     `json:"item_id"`
	State      State     `json:"state"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	CampaignID int64     `json:"campaign_id,omitempty"`
}

func (g *Guard) Status(ctx context.Context, itemID int64) (Status, error) {
	m, ok, err := g.markers.Get(ctx, itemID)
	if err != nil {
		return Status{}, fmt.Errorf("load notification marker: %w", err)
	}
	status := Status{ItemID: itemID, State: StateAbsent}
	if !ok {
		return status, nil
	}
	switch m.State {
	case marker.StateConfirmed:
		status.State = StateConfirmed
	default:
		status.State = StateClaimed
	}
	status.SentAt = m.SentAt
	status.CampaignID = m.CampaignID
	return status, nil
}

// Reset returns an item to ABSENT so the next send is allowed again.
func (g *Guard) Reset(ctx context.Context, itemID int64) error {
	if err := g.markers.Delete(ctx, itemID); err != nil {
		return fmt.Errorf("reset notification marker: %w", err)
	}
	if err := g.locks.Delete(ctx, lockKeyFor(itemID)); err != nil {
		return fmt.Errorf("reset notification lock: %w", err)
	}
	g.logger.Printf("notification marker reset for item %d", itemID)
	return nil
}
