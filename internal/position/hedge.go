package position

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/events"
)

// HedgeMode selects how the hedge size derives from the parent position
type HedgeMode string

const (
	HedgeFull       HedgeMode = "full"
	HedgePartial    HedgeMode = "partial"
	HedgeDelta      HedgeMode = "delta"
	HedgeCrossAsset HedgeMode = "cross_asset"
)

// Hedge links a parent position to its opposite-side sibling
type Hedge struct {
	HedgeID         string    `json:"hedge_id"`
	PositionID      string    `json:"position_id"`
	HedgePositionID string    `json:"hedge_position_id"`
	Mode            HedgeMode `json:"mode"`
	Ratio           float64   `json:"ratio"`
	Symbol          string    `json:"symbol"`
	CreatedAt       time.Time `json:"created_at"`
}

// HedgeSpec describes a hedge request against an open position
type HedgeSpec struct {
	Mode HedgeMode

	// Partial hedge fraction of the parent size, in (0, 1]
	Fraction float64

	// Delta of the parent instrument for delta-scaled hedges
	Delta float64

	// Cross-asset hedges trade a different symbol, weighted by its
	// correlation to the parent
	HedgeSymbol string
	Correlation float64

	HedgePrice float64
	Fee        float64
}

// HedgeManager opens opposite-side sibling positions through the position
// manager and tracks net exposure per parent.
type HedgeManager struct {
	mu        sync.RWMutex
	positions *Manager
	hedges    map[string][]Hedge // parent position ID -> hedges
	logger    zerolog.Logger
	bus       *events.EventBus
}

// NewHedgeManager creates a hedge manager on top of the position manager
func NewHedgeManager(positions *Manager, logger zerolog.Logger, bus *events.EventBus) *HedgeManager {
	return &HedgeManager{
		positions: positions,
		hedges:    make(map[string][]Hedge),
		logger:    logger.With().Str("component", "HedgeManager").Logger(),
		bus:       bus,
	}
}

// OpenHedge creates the sibling position and records the link
func (hm *HedgeManager) OpenHedge(parentID string, spec HedgeSpec) (*Hedge, error) {
	const op = "position.OpenHedge"

	parent, ok := hm.positions.Get(parentID)
	if !ok {
		return nil, errs.Validation(op, "unknown position "+parentID)
	}
	if parent.Terminal() {
		return nil, errs.Validation(op, "cannot hedge a closed position")
	}
	if spec.HedgePrice <= 0 {
		return nil, errs.Validation(op, "hedge price must be positive")
	}

	ratio, symbol, err := hedgeRatio(parent, spec)
	if err != nil {
		return nil, err
	}

	size := parent.CurrentSize * ratio
	hedgePos, err := hm.positions.Open(OpenSpec{
		Symbol:     symbol,
		StrategyID: parent.StrategyID,
		Side:       parent.Side.Opposite(),
		Size:       size,
		EntryPrice: spec.HedgePrice,
		Fee:        spec.Fee,
	})
	if err != nil {
		return nil, err
	}

	h := Hedge{
		HedgeID:         hedgePos.PositionID + "-hedge",
		PositionID:      parentID,
		HedgePositionID: hedgePos.PositionID,
		Mode:            spec.Mode,
		Ratio:           ratio,
		Symbol:          symbol,
		CreatedAt:       hedgePos.OpenedAt,
	}

	hm.mu.Lock()
	hm.hedges[parentID] = append(hm.hedges[parentID], h)
	hm.mu.Unlock()

	hm.bus.Publish(events.Event{Type: events.EventHedgeOpened, Data: map[string]interface{}{
		"position_id":       parentID,
		"hedge_position_id": hedgePos.PositionID,
		"mode":              string(spec.Mode),
		"ratio":             ratio,
	}})
	hm.logger.Info().
		Str("position_id", parentID).
		Str("hedge_position_id", hedgePos.PositionID).
		Str("mode", string(spec.Mode)).
		Float64("ratio", ratio).
		Msg("Hedge opened")

	return &h, nil
}

func hedgeRatio(parent *Position, spec HedgeSpec) (float64, string, error) {
	const op = "position.hedgeRatio"
	symbol := parent.Symbol

	switch spec.Mode {
	case HedgeFull:
		return 1, symbol, nil
	case HedgePartial:
		if spec.Fraction <= 0 || spec.Fraction > 1 {
			return 0, "", errs.Validation(op, "partial hedge fraction must be in (0, 1]")
		}
		return spec.Fraction, symbol, nil
	case HedgeDelta:
		if spec.Delta <= 0 || spec.Delta > 1 {
			return 0, "", errs.Validation(op, "delta must be in (0, 1]")
		}
		return spec.Delta, symbol, nil
	case HedgeCrossAsset:
		if spec.HedgeSymbol == "" {
			return 0, "", errs.Validation(op, "cross-asset hedge needs a symbol")
		}
		if spec.Correlation <= 0 || spec.Correlation > 1 {
			return 0, "", errs.Validation(op, "correlation must be in (0, 1]")
		}
		return spec.Correlation, spec.HedgeSymbol, nil
	default:
		return 0, "", errs.Validation(op, "unknown hedge mode "+string(spec.Mode))
	}
}

// NetExposure is the parent's size minus the ratio-weighted size of its
// live hedges.
func (hm *HedgeManager) NetExposure(parentID string) (float64, error) {
	parent, ok := hm.positions.Get(parentID)
	if !ok {
		return 0, errs.Validation("position.NetExposure", "unknown position "+parentID)
	}

	hm.mu.RLock()
	hedges := hm.hedges[parentID]
	hm.mu.RUnlock()

	exposure := parent.CurrentSize
	for _, h := range hedges {
		hp, ok := hm.positions.Get(h.HedgePositionID)
		if !ok || hp.Terminal() {
			continue
		}
		exposure -= hp.CurrentSize * h.Ratio
	}
	return exposure, nil
}

// Hedges lists the hedges recorded against a parent position
func (hm *HedgeManager) Hedges(parentID string) []Hedge {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]Hedge, len(hm.hedges[parentID]))
	copy(out, hm.hedges[parentID])
	return out
}
