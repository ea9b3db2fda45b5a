package venue

// Shared order and account types for venue adapters. Adapters normalize
// venue-specific payloads into these structures; the core never sees raw
// venue responses.

// Side represents order direction.
type Side string

const (
	// SideBuy opens or increases a long.
	SideBuy Side = "buy"
	// SideSell opens or increases a short.
	SideSell Side = "sell"
)

// Opposite returns the flattening direction for a side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderState tracks the lifecycle of a submitted order.
type OrderState string

const (
	OrderStateOpen            OrderState = "open"
	OrderStateFilled          OrderState = "filled"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateNotFound        OrderState = "not_found"
)

// OrderRequest describes a normalized order sized in USD notional.
type OrderRequest struct {
	Symbol        string // canonical symbol
	Side          Side
	NotionalUSD   float64
	ClientOrderID string // idempotency key; venues collapse duplicates
	ReduceOnly    bool
}

// OrderAck is the immediate response to an order submission.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	State         OrderState
	FilledUSD     float64
	AvgPrice      float64
}

// OrderStatus reports the current state of an order looked up by client id.
type OrderStatus struct {
	ClientOrderID string
	State         OrderState
	FilledUSD     float64
	RequestedUSD  float64
	AvgPrice      float64
}

// Position is one live venue position expressed in USD notional.
type Position struct {
	Symbol      string
	Side        Side
	NotionalUSD float64
	EntryPrice  float64
	MarkPrice   float64
	// UnrealizedUSD is mark-to-market PnL against the entry.
	UnrealizedUSD float64
}

// Balance summarizes an account's margin capacity in USD.
type Balance struct {
	TotalUSD     float64
	AvailableUSD float64
	MarginUsed   float64
}
