package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kh1985/funding-arb-system/pkg/venue"
)

const (
	defaultInitialCash   = 100000.0
	defaultFallbackPrice = 100.0
)

// Adapter is a paper-trading venue that keeps positions, balances and order
// history in-memory. Orders fill synchronously at the latest mark price.
// Client order ids are remembered, so duplicate submissions collapse to the
// original fill — the same idempotency contract real venues provide.
type Adapter struct {
	mu sync.Mutex

	name   string
	cash   float64
	markPx map[string]float64

	positions map[string]*positionState
	orders    map[string]*venue.OrderStatus // client order id -> terminal status

	behaviors []behavior
}

type positionState struct {
	Symbol   string
	Notional float64 // positive long, negative short (USD at entry)
	Entry    float64
}

type behaviorKind int

const (
	behaviorFill behaviorKind = iota
	behaviorPartial
	behaviorReject
	behaviorError
	behaviorRest
)

type behavior struct {
	kind     behaviorKind
	fraction float64
	err      error
	reason   string
}

// New constructs a simulator venue with default cash.
func New(name string) *Adapter {
	return &Adapter{
		name:      name,
		cash:      defaultInitialCash,
		markPx:    make(map[string]float64),
		positions: make(map[string]*positionState),
		orders:    make(map[string]*venue.OrderStatus),
	}
}

// SetCash overrides the starting cash balance.
func (a *Adapter) SetCash(usd float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cash = usd
}

// SetMarkPrice updates the reference price used for fills and PnL.
func (a *Adapter) SetMarkPrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markPx[symbol] = price
}

// QueueFill makes the next order fill fully (the default behavior; useful
// to pin queue positions ahead of injected failures).
func (a *Adapter) QueueFill() {
	a.queue(behavior{kind: behaviorFill})
}

// QueueError makes the next order submission fail with err.
func (a *Adapter) QueueError(err error) {
	a.queue(behavior{kind: behaviorError, err: err})
}

// QueuePartial makes the next order fill only the given fraction of its notional.
func (a *Adapter) QueuePartial(fraction float64) {
	a.queue(behavior{kind: behaviorPartial, fraction: fraction})
}

// QueueReject makes the next order terminally rejected.
func (a *Adapter) QueueReject(reason string) {
	a.queue(behavior{kind: behaviorReject, reason: reason})
}

// QueueRest makes the next order rest open with no fill.
func (a *Adapter) QueueRest() {
	a.queue(behavior{kind: behaviorRest})
}

func (a *Adapter) queue(b behavior) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.behaviors = append(a.behaviors, b)
}

func (a *Adapter) nextBehaviorLocked() behavior {
	if len(a.behaviors) == 0 {
		return behavior{kind: behaviorFill}
	}
	b := a.behaviors[0]
	a.behaviors = a.behaviors[1:]
	return b
}

// PlaceOrder fills the request synchronously at the mark price. Resubmitting
// a known client order id returns the recorded outcome without trading again.
func (a *Adapter) PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("sim: order symbol is required")
	}
	if req.NotionalUSD <= 0 {
		return nil, fmt.Errorf("sim: order notional must be positive")
	}
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("sim: client order id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prior, ok := a.orders[req.ClientOrderID]; ok {
		return &venue.OrderAck{
			OrderID:       req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			State:         prior.State,
			FilledUSD:     prior.FilledUSD,
			AvgPrice:      prior.AvgPrice,
		}, nil
	}

	switch b := a.nextBehaviorLocked(); b.kind {
	case behaviorError:
		return nil, b.err
	case behaviorReject:
		a.orders[req.ClientOrderID] = &venue.OrderStatus{
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateRejected,
			RequestedUSD:  req.NotionalUSD,
		}
		return &venue.OrderAck{
			OrderID:       req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateRejected,
		}, nil
	case behaviorRest:
		a.orders[req.ClientOrderID] = &venue.OrderStatus{
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateOpen,
			RequestedUSD:  req.NotionalUSD,
		}
		return &venue.OrderAck{
			OrderID:       req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateOpen,
		}, nil
	case behaviorPartial:
		filled := req.NotionalUSD * b.fraction
		price := a.fillLocked(req.Symbol, req.Side, filled, req.ReduceOnly)
		a.orders[req.ClientOrderID] = &venue.OrderStatus{
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStatePartiallyFilled,
			FilledUSD:     filled,
			RequestedUSD:  req.NotionalUSD,
			AvgPrice:      price,
		}
		return &venue.OrderAck{
			OrderID:       req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStatePartiallyFilled,
			FilledUSD:     filled,
			AvgPrice:      price,
		}, nil
	default:
		price := a.fillLocked(req.Symbol, req.Side, req.NotionalUSD, req.ReduceOnly)
		a.orders[req.ClientOrderID] = &venue.OrderStatus{
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateFilled,
			FilledUSD:     req.NotionalUSD,
			RequestedUSD:  req.NotionalUSD,
			AvgPrice:      price,
		}
		return &venue.OrderAck{
			OrderID:       req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			State:         venue.OrderStateFilled,
			FilledUSD:     req.NotionalUSD,
			AvgPrice:      price,
		}, nil
	}
}

// fillLocked applies a fill to the simulated book and returns the fill price.
func (a *Adapter) fillLocked(symbol string, side venue.Side, notional float64, reduceOnly bool) float64 {
	price := a.resolveMarkLocked(symbol)

	delta := notional
	if side == venue.SideSell {
		delta = -notional
	}

	state := a.positions[symbol]
	if state == nil {
		if reduceOnly {
			return price
		}
		state = &positionState{Symbol: symbol, Entry: price}
		a.positions[symbol] = state
	}

	if reduceOnly {
		// Clamp to the open amount; a reduce-only fill never flips the side.
		if state.Notional*delta > 0 {
			return price
		}
		if math.Abs(delta) > math.Abs(state.Notional) {
			delta = -state.Notional
		}
	}

	old := state.Notional
	if old != 0 && old*delta < 0 && state.Entry > 0 {
		closed := math.Min(math.Abs(old), math.Abs(delta))
		dir := 1.0
		if old < 0 {
			dir = -1.0
		}
		a.cash += closed * (price - state.Entry) / state.Entry * dir
	}

	state.Notional = old + delta
	switch {
	case old == 0 || old*delta > 0:
		state.Entry = price
	case old*state.Notional < 0:
		state.Entry = price
	}
	if math.Abs(state.Notional) < 1e-9 {
		delete(a.positions, symbol)
	}
	return price
}

// Cancel marks a resting order canceled; filled orders are untouched.
func (a *Adapter) Cancel(ctx context.Context, clientOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.orders[clientOrderID]
	if !ok {
		return nil
	}
	if status.State == venue.OrderStateOpen {
		status.State = venue.OrderStateCanceled
	}
	return nil
}

// OrderStatus looks up an order by client order id.
func (a *Adapter) OrderStatus(ctx context.Context, clientOrderID string) (*venue.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if status, ok := a.orders[clientOrderID]; ok {
		cp := *status
		return &cp, nil
	}
	return &venue.OrderStatus{ClientOrderID: clientOrderID, State: venue.OrderStateNotFound}, nil
}

// Positions returns open positions sorted by symbol.
func (a *Adapter) Positions(ctx context.Context) ([]venue.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]venue.Position, 0, len(a.positions))
	for symbol, state := range a.positions {
		mark := a.resolveMarkLocked(symbol)
		side := venue.SideBuy
		if state.Notional < 0 {
			side = venue.SideSell
		}
		unreal := 0.0
		if state.Entry > 0 {
			unreal = state.Notional * (mark - state.Entry) / state.Entry
		}
		out = append(out, venue.Position{
			Symbol:        symbol,
			Side:          side,
			NotionalUSD:   math.Abs(state.Notional),
			EntryPrice:    state.Entry,
			MarkPrice:     mark,
			UnrealizedUSD: unreal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Balance reports equity and margin usage for the paper account.
func (a *Adapter) Balance(ctx context.Context) (*venue.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var gross, unreal float64
	for symbol, state := range a.positions {
		gross += math.Abs(state.Notional)
		if state.Entry > 0 {
			mark := a.resolveMarkLocked(symbol)
			unreal += state.Notional * (mark - state.Entry) / state.Entry
		}
	}
	total := a.cash + unreal
	return &venue.Balance{
		TotalUSD:     total,
		AvailableUSD: math.Max(0, total-gross),
		MarginUsed:   gross,
	}, nil
}

func (a *Adapter) resolveMarkLocked(symbol string) float64 {
	if px, ok := a.markPx[symbol]; ok && px > 0 {
		return px
	}
	if state, ok := a.positions[symbol]; ok && state.Entry > 0 {
		return state.Entry
	}
	return defaultFallbackPrice
}

// Registry hook for venue.Config.
func init() {
	venue.RegisterAdapter("sim", func(name string, cfg *venue.AdapterConfig) (venue.Adapter, error) {
		return New(name), nil
	})
}
