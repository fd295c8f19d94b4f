// Package guard sends at most one automatic push campaign per content item.
//
// A send walks a small state machine held in the marker store:
//
//	ABSENT --claim--> CLAIMED --send ok--> CONFIRMED
//	                  CLAIMED --send failed--> ABSENT
//
// The atomic claim is the only ordering primitive. The short-lived processing
// lock and the per-execution handled set are fast paths in front of it.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/pushrelay-bridge/internal/content"
	"github.com/VenkatGGG/pushrelay-bridge/internal/marker"
	"github.com/VenkatGGG/pushrelay-bridge/internal/pushrelay"
	"github.com/VenkatGGG/pushrelay-bridge/internal/transient"
)

const (
	DefaultLockTTL = 60 * time.Second

	lockKeyPrefix = "notification_lock:"
	handlerName   = "auto-notification"
)

type CampaignSender interface {
	CreateCampaign(ctx context.Context, in pushrelay.CampaignInput) (pushrelay.Campaign, error)
}

type Config struct {
	AutoNotify   bool
	ContentTypes []string
	WebsiteID    int64
	Segment      string
	LockTTL      time.Duration
	Now          func() time.Time
}

type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeLocked         Outcome = "locked"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	OutcomeIneligible     Outcome = "ineligible"
	OutcomeFailed         Outcome = "failed"
)

type Result struct {
	Outcome    Outcome
	CampaignID int64
	Kind       pushrelay.Kind
	Reason     string
	Transient  bool
	Degraded   bool
	Err        error
}

type Guard struct {
	cfg     Config
	types   map[string]struct{}
	sender  CampaignSender
	markers marker.Store
	locks   transient.Store
	logger  *log.Logger
}

func New(cfg Config, sender CampaignSender, markers marker.Store, locks transient.Store, logger *log.Logger) *Guard {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.ContentTypes) == 0 {
		cfg.ContentTypes = []string{"post"}
	}
	if logger == nil {
		logger = log.Default()
	}
	types := make(map[string]struct{}, len(cfg.ContentTypes))
	for _, t := range cfg.ContentTypes {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			types[trimmed] = struct{}{}
		}
	}
	return &Guard{
		cfg:     cfg,
		types:   types,
		sender:  sender,
		markers: markers,
		locks:   locks,
		logger:  logger,
	}
}

// Register wires the guard into the dispatcher. Call it once at bootstrap.
func (g *Guard) Register(d *content.Dispatcher) error {
	return d.Register(handlerName, func(ctx context.Context, t content.Transition) {
		g.HandleTransition(ctx, t)
	})
}

// HandleTransition sends only when an item is published for the first time.
func (g *Guard) HandleTransition(ctx context.Context, t content.Transition) bool {
	if !t.IsFirstPublish() {
		return false
	}
	return g.MaybeSend(ctx, t.Item)
}

// MaybeSend reports whether this call performed the send.
func (g *Guard) MaybeSend(ctx context.Context, item content.Item) bool {
	return g.Send(ctx, item).Outcome == OutcomeSent
}

func (g *Guard) Send(ctx context.Context, item content.Item) Result {
	if item.ID <= 0 {
		return Result{
			Outcome: OutcomeInvalid,
			Kind:    pushrelay.KindInvalidParameter,
			Reason:  "item id is required",
		}
	}
	if content.MarkHandled(ctx, item.ID) {
		return Result{Outcome: OutcomeAlreadyHandled}
	}

	lockKey := lockKeyFor(item.ID)
	if _, held, err := g.locks.Get(ctx, lockKey); err != nil {
		g.logger.Printf("notification lock lookup failed for item %d, relying on marker: %v", item.ID, err)
	} else if held {
		return Result{Outcome: OutcomeLocked}
	}
	lockValue := uuid.NewString() + "|" + strconv.FormatInt(g.cfg.Now().Unix(), 10)
	if err := g.locks.Set(ctx, lockKey, lockValue, g.cfg.LockTTL); err != nil {
		g.logger.Printf("notification lock set failed for item %d, relying on marker: %v", item.ID, err)
	}

	claim := g.claim(ctx, item.ID)
	degraded := claim.degraded
	if !claim.claimed {
		g.releaseLock(lockKey, lockValue)
		return Result{Outcome: OutcomeAlreadyClaimed, Degraded: degraded}
	}

	committed := false
	defer func() {
		if !committed {
			g.revert(item.ID, claim.wroteMarker, lockKey, lockValue)
		}
	}()

	if reason, ok := g.eligible(item); !ok {
		return Result{Outcome: OutcomeIneligible, Reason: reason, Degraded: degraded}
	}

	campaign, err := g.createCampaign(ctx, item)
	if err != nil {
		kind := pushrelay.KindOf(err)
		retryable := pushrelay.IsTransient(err)
		severity := "permanent"
		if retryable {
			severity = "transient"
		}
		g.logger.Printf("auto notification for item %d failed with %s error (kind=%s), marker reverted for retry: %v", item.ID, severity, kind, err)
		return Result{Outcome: OutcomeFailed, Kind: kind, Transient: retryable, Degraded: degraded, Err: err}
	}

	confirmed := marker.Marker{
		State:      marker.StateConfirmed,
		SentAt:     g.cfg.Now().UTC(),
		CampaignID: campaign.ID,
	}
	if err := g.markers.Put(context.WithoutCancel(ctx), item.ID, confirmed); err != nil {
		g.logger.Printf("notification marker confirm failed for item %d (campaign %d), marker left claimed: %v", item.ID, campaign.ID, err)
	}
	committed = true
	g.releaseLock(lockKey, lockValue)
	g.logger.Printf("auto notification sent for item %d (campaign %d)", item.ID, campaign.ID)
	return Result{Outcome: OutcomeSent, CampaignID: campaign.ID, Degraded: degraded}
}

type claimResult struct {
	claimed  bool
	degraded bool
	// wroteMarker is true only when this call created the marker. Revert
	// deletes nothing else.
	wroteMarker bool
}

// claim decides whether this caller may send. When the store fails for a
// reason other than contention it falls back to a read followed by a plain
// write, which favors availability over strict exclusivity.
func (g *Guard) claim(ctx context.Context, itemID int64) claimResult {
	err := g.markers.Claim(ctx, itemID)
	if err == nil {
		return claimResult{claimed: true, wroteMarker: true}
	}
	if errors.Is(err, marker.ErrExists) {
		return claimResult{}
	}

	g.logger.Printf("degraded marker claim for item %d, falling back to non-atomic write: %v", itemID, err)
	if _, exists, getErr := g.markers.Get(ctx, itemID); getErr == nil && exists {
		return claimResult{degraded: true}
	} else if getErr != nil {
		g.logger.Printf("degraded marker claim for item %d: marker lookup failed: %v", itemID, getErr)
	}
	if putErr := g.markers.Put(ctx, itemID, marker.Marker{State: marker.StateClaimed}); putErr != nil {
		g.logger.Printf("degraded marker claim for item %d: fallback write failed: %v", itemID, putErr)
		return claimResult{claimed: true, degraded: true}
	}
	return claimResult{claimed: true, degraded: true, wroteMarker: true}
}

func (g *Guard) eligible(item content.Item) (string, bool) {
	if !g.cfg.AutoNotify {
		return "auto notifications disabled", false
	}
	if _, ok := g.types[item.Type]; !ok {
		return fmt.Sprintf("content type %q not enabled", item.Type), false
	}
	if item.OptOut {
		return "item opted out", false
	}
	return "", true
}

func (g *Guard) createCampaign(ctx context.Context, item content.Item) (campaign pushrelay.Campaign, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("campaign send panicked: %v", r)
		}
	}()
	return g.sender.CreateCampaign(ctx, pushrelay.CampaignInput{
		WebsiteID:   g.cfg.WebsiteID,
		Name:        item.Title,
		Title:       item.Title,
		Description: item.Excerpt,
		URL:         item.URL,
		ImageURL:    item.ImageURL,
		Segment:     g.cfg.Segment,
	})
}

func (g *Guard) revert(itemID int64, deleteMarker bool, lockKey, lockValue string) {
	if deleteMarker {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.markers.Delete(ctx, itemID); err != nil {
			g.logger.Printf("notification marker revert failed for item %d: %v", itemID, err)
		}
	} else {
		g.logger.Printf("notification marker for item %d left untouched: this attempt never wrote it", itemID)
	}
	g.releaseLock(lockKey, lockValue)
}

func lockKeyFor(itemID int64) string {
	return lockKeyPrefix + strconv.FormatInt(itemID, 10)
}

// releaseLock drops the lock only while it still carries this attempt's
// owner token. An expired lock re-taken by another attempt stays put.
func (g *Guard) releaseLock(lockKey, lockValue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.locks.DeleteIfValue(ctx, lockKey, lockValue); err != nil {
		g.logger.Printf("notification lock release failed for %s: %v", lockKey, err)
	}
}
