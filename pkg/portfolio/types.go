package portfolio

import (
	"fmt"
	"time"

	"github.com/kh1985/funding-arb-system/pkg/venue"
)

// RiskState drives admission control. Transitions are hysteretic and applied
// once per cycle by the risk evaluator.
type RiskState string

const (
	RiskNormal  RiskState = "NORMAL"
	RiskReduce  RiskState = "REDUCE"
	RiskHaltNew RiskState = "HALT_NEW"
)

// PairStatus is the lifecycle of a position pair.
type PairStatus string

const (
	PairOpen   PairStatus = "OPEN"
	PairClosed PairStatus = "CLOSED"
	// PairZombie marks a pair in an inconsistent venue state that needs
	// operator intervention. Zombie pairs force HALT_NEW.
	PairZombie PairStatus = "ZOMBIE"
)

// Leg is one side of a position pair.
type Leg struct {
	Venue      string     `json:"venue"`
	Symbol     string     `json:"symbol"`
	Side       venue.Side `json:"side"`
	EntryRate  float64    `json:"entry_rate"` // 8h-normalized funding rate at entry
	TargetUSD  float64    `json:"target_usd"`
	FilledUSD  float64    `json:"filled_usd"`
	EntryPrice float64    `json:"entry_price"`
}

// ID identifies the venue-symbol slot this leg occupies.
func (l Leg) ID() string {
	return l.Venue + ":" + l.Symbol
}

// PositionPair is a live delta-neutral pair. The two legs are jointly owned:
// the system never records one leg without the other.
type PositionPair struct {
	ID             string     `json:"id"`
	Short          Leg        `json:"short"`
	Long           Leg        `json:"long"`
	Beta           float64    `json:"beta"`
	EdgeBps        float64    `json:"edge_bps"`
	Status         PairStatus `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`

	OpenedCycle int64     `json:"opened_cycle"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`

	FundingUSD  float64 `json:"funding_usd"`  // accumulated funding received
	RealizedUSD float64 `json:"realized_usd"` // realized on close/trim
	MTMUSD      float64 `json:"mtm_usd"`      // current mark-to-market
}

// Key returns the persistence-gate identity of a pair of legs, independent of
// any particular cycle.
func PairKey(shortID, longID string) string {
	return shortID + "|" + longID
}

// Key is the pair's persistence-gate identity.
func (p *PositionPair) Key() string {
	return PairKey(p.Short.ID(), p.Long.ID())
}

// NotionalUSD is the combined filled notional across both legs.
func (p *PositionPair) NotionalUSD() float64 {
	return p.Short.FilledUSD + p.Long.FilledUSD
}

// Validate enforces the two-legged shape of an open pair.
func (p *PositionPair) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("portfolio: pair id is required")
	}
	if p.Short.Side == p.Long.Side {
		return fmt.Errorf("portfolio: pair %s legs must have opposite sides", p.ID)
	}
	if p.Short.Side != venue.SideSell {
		return fmt.Errorf("portfolio: pair %s short leg must sell", p.ID)
	}
	return nil
}
