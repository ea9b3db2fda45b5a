package venue

import "context"

// Adapter exposes trading capabilities for a single venue in a
// venue-agnostic fashion. Implementations are provided externally and
// injected as opaque handles; the sim subpackage ships an in-memory one.
type Adapter interface {
	// Order management.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	Cancel(ctx context.Context, clientOrderID string) error
	OrderStatus(ctx context.Context, clientOrderID string) (*OrderStatus, error)

	// Account information.
	Positions(ctx context.Context) ([]Position, error)
	Balance(ctx context.Context) (*Balance, error)
}
