// Package scaling observes queue pressure and engine utilization and emits
// advisory ScalingIntents to the external cluster resource manager. Intents
// are debounced to one pending per direction; rejected or expired intents
// temporarily raise the pressure threshold so the coordinator never
// thrashes.
package scaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/registry"
	"gorm.io/gorm"
)

// ResourceManager is the external collaborator that may (or may not) act on
// intents. Acknowledgment arrives asynchronously through Resolve.
type ResourceManager interface {
	Propose(ctx context.Context, intent *models.ScalingIntent) error
}

// observation is one admission outcome in the sliding window.
type observation struct {
	at      time.Time
	queue   string
	outcome string
}

// IntentObserver sees the direction of every emitted intent. Implementations
// must not block.
type IntentObserver interface {
	ObserveIntent(direction string)
}

// Coordinator is the explicit scaling authority.
type Coordinator struct {
	db       *gorm.DB
	registry *registry.Registry
	cfg      config.ScalingConfig
	manager  ResourceManager
	observer IntentObserver

	mu           sync.Mutex
	window       []observation
	pressureHigh time.Time // when pressure first exceeded the threshold, zero when not
	utilLow      time.Time // when utilization first fell below the floor, zero when not
	penaltyUntil time.Time // threshold bump active until
}

// New builds a Coordinator. manager may be nil, in which case intents are
// only persisted for an external poller.
func New(db *gorm.DB, reg *registry.Registry, cfg config.ScalingConfig, manager ResourceManager) *Coordinator {
	return &Coordinator{db: db, registry: reg, cfg: cfg, manager: manager}
}

// SetObserver attaches an intent observer.
func (c *Coordinator) SetObserver(obs IntentObserver) {
	c.observer = obs
}

// ObserveAdmission implements queue.Observer; the queue manager feeds every
// admission outcome here.
func (c *Coordinator) ObserveAdmission(queueName, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, observation{at: time.Now(), queue: queueName, outcome: outcome})
}

// prune drops observations older than the sustain window. Caller holds mu.
func (c *Coordinator) prune(now time.Time) {
	cutoff := now.Add(-c.cfg.SustainWindow)
	i := 0
	for ; i < len(c.window); i++ {
		if c.window[i].at.After(cutoff) {
			break
		}
	}
	c.window = c.window[i:]
}

// pressure returns the rejected+queued rate per minute over the window and
// whether any demand is currently queued. Caller holds mu.
func (c *Coordinator) pressure(now time.Time) (perMinute float64, demand bool) {
	c.prune(now)
	blocked := 0
	for _, obs := range c.window {
		switch obs.outcome {
		case queue.OutcomeRejected, queue.OutcomeQueued, queue.OutcomeTimeout:
			blocked++
			demand = true
		}
	}
	minutes := c.cfg.SustainWindow.Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	return float64(blocked) / minutes, demand
}

// threshold returns the effective pressure threshold, including any active
// anti-thrash penalty.
func (c *Coordinator) threshold(now time.Time) float64 {
	if now.Before(c.penaltyUntil) {
		return c.cfg.PressureThreshold + c.cfg.PenaltyBump
	}
	return c.cfg.PressureThreshold
}

// Evaluate runs one scaling decision as of now. Called by the reconciliation
// loop on its interval.
func (c *Coordinator) Evaluate(ctx context.Context, now time.Time) error {
	if err := c.expireStale(now); err != nil {
		return err
	}

	c.mu.Lock()
	rate, demand := c.pressure(now)
	threshold := c.threshold(now)

	if rate > threshold {
		if c.pressureHigh.IsZero() {
			c.pressureHigh = now
		}
	} else {
		c.pressureHigh = time.Time{}
	}
	sustainedPressure := !c.pressureHigh.IsZero() && now.Sub(c.pressureHigh) >= c.cfg.SustainWindow
	c.mu.Unlock()

	util, totalSlots, err := c.registry.Utilization()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if util < c.cfg.UtilizationFloor && !demand && totalSlots > 0 {
		if c.utilLow.IsZero() {
			c.utilLow = now
		}
	} else {
		c.utilLow = time.Time{}
	}
	sustainedSlack := !c.utilLow.IsZero() && now.Sub(c.utilLow) >= c.cfg.SustainWindow
	c.mu.Unlock()

	if sustainedPressure {
		delta := int(rate-threshold) + 1
		return c.emit(ctx, models.ScaleUp, delta, snapshot{
			PressurePerMinute: rate,
			Threshold:         threshold,
			Utilization:       util,
			TotalSlots:        totalSlots,
		})
	}
	if sustainedSlack {
		// Hand back up to half the idle capacity per intent.
		idle := int(float64(totalSlots) * (c.cfg.UtilizationFloor - util))
		if idle < 1 {
			idle = 1
		}
		return c.emit(ctx, models.ScaleDown, idle, snapshot{
			PressurePerMinute: rate,
			Threshold:         threshold,
			Utilization:       util,
			TotalSlots:        totalSlots,
		})
	}
	return nil
}

// snapshot is the justification attached to an intent.
type snapshot struct {
	PressurePerMinute float64 `json:"pressure_per_minute"`
	Threshold         float64 `json:"threshold"`
	Utilization       float64 `json:"utilization"`
	TotalSlots        int     `json:"total_slots"`
}

// emit persists one intent unless one is already pending in that direction
// (debounce), then hands it to the resource manager.
func (c *Coordinator) emit(ctx context.Context, direction string, delta int, snap snapshot) error {
	just, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("scaling: marshal justification: %w", err)
	}
	id, err := models.NewID("int")
	if err != nil {
		return err
	}

	var intent models.ScalingIntent
	err = c.db.Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Model(&models.ScalingIntent{}).
			Where("direction = ? AND status = ?", direction, models.IntentPending).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("scaling: count pending %s intents: %w", direction, err)
		}
		if pending > 0 {
			return nil
		}
		intent = models.ScalingIntent{
			ID:            id,
			Direction:     direction,
			Delta:         delta,
			Justification: string(just),
			Status:        models.IntentPending,
			IssuedAt:      time.Now(),
		}
		if err := tx.Create(&intent).Error; err != nil {
			return fmt.Errorf("scaling: create intent: %w", err)
		}
		return nil
	})
	if err != nil || intent.ID == "" {
		// Error, or a pending intent in this direction already exists.
		return err
	}
	if c.observer != nil {
		c.observer.ObserveIntent(direction)
	}

	if c.manager != nil {
		if err := c.manager.Propose(ctx, &intent); err != nil {
			// Advisory only; the intent stays pending for a later poll or
			// until it expires.
			return nil
		}
	}
	return nil
}

// Resolve records the resource manager's asynchronous answer. Rejection
// raises the pressure threshold for the penalty duration.
func (c *Coordinator) Resolve(id, status string) error {
	if status != models.IntentAcked && status != models.IntentRejected {
		return fmt.Errorf("scaling: invalid resolution %q", status)
	}
	now := time.Now()
	result := c.db.Model(&models.ScalingIntent{}).
		Where("id = ? AND status = ?", id, models.IntentPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("scaling: resolve intent %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scaling: intent %s is not pending", id)
	}
	if status == models.IntentRejected {
		c.punish(now)
	}
	return nil
}

// expireStale expires pending intents past the TTL, punishing like a
// rejection.
func (c *Coordinator) expireStale(now time.Time) error {
	cutoff := now.Add(-c.cfg.IntentTTL)
	result := c.db.Model(&models.ScalingIntent{}).
		Where("status = ? AND issued_at < ?", models.IntentPending, cutoff).
		Updates(map[string]interface{}{
			"status":      models.IntentExpired,
			"resolved_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("scaling: expire intents: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		c.punish(now)
	}
	return nil
}

func (c *Coordinator) punish(now time.Time) {
	c.mu.Lock()
	c.penaltyUntil = now.Add(c.cfg.PenaltyDuration)
	c.mu.Unlock()
}

// List returns intents newest first.
func (c *Coordinator) List() ([]models.ScalingIntent, error) {
	var intents []models.ScalingIntent
	if err := c.db.Order("issued_at DESC").Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("scaling: list intents: %w", err)
	}
	return intents, nil
}
