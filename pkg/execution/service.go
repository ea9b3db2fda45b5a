package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"github.com/kh1985/funding-arb-system/pkg/portfolio"
	"github.com/kh1985/funding-arb-system/pkg/signal"
	"github.com/kh1985/funding-arb-system/pkg/strategy"
	"github.com/kh1985/funding-arb-system/pkg/venue"
)

var (
	// ErrInsufficientMargin aborts an intent before any order is placed.
	ErrInsufficientMargin = errors.New("execution: insufficient margin")
	// ErrPartialFillFlattened marks an intent whose single filled leg was
	// market-closed. The intent is terminal; no open position remains.
	ErrPartialFillFlattened = errors.New("execution: partial fill flattened")
	// ErrPairUnrecoverable marks a pair whose legs could not be resolved or
	// flattened. The returned pair is a ZOMBIE record.
	ErrPairUnrecoverable = errors.New("execution: pair unrecoverable")
	// ErrIntentRejected marks a logical venue reject; not retried.
	ErrIntentRejected = errors.New("execution: intent rejected by venue")
	// ErrUnknownVenue means the intent references an unconfigured venue.
	ErrUnknownVenue = errors.New("execution: unknown venue")
)

// Service opens, adjusts and closes position pairs against venue adapters.
// Every order carries a deterministic client order id, so replaying an
// intent after a crash cannot double a position.
type Service struct {
	venues map[string]venue.Adapter
	cfg    *strategy.Config
	retry  retryConfig

	legFillTimeout time.Duration
	pollInterval   time.Duration
	nowFn          func() time.Time
}

// Option tunes the service, mostly for tests.
type Option func(*Service)

// WithLegFillTimeout overrides the fill reconciliation window.
func WithLegFillTimeout(d time.Duration) Option {
	return func(s *Service) { s.legFillTimeout = d }
}

// WithPollInterval overrides the order status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

// WithRetryBackoff overrides the transient-error backoff schedule.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(s *Service) {
		s.retry.initialBackoff = initial
		s.retry.maxBackoff = max
	}
}

// NewService wires the execution service over the configured venue adapters.
func NewService(venues map[string]venue.Adapter, cfg *strategy.Config, opts ...Option) *Service {
	s := &Service{
		venues:         venues,
		cfg:            cfg,
		retry:          defaultRetryConfig(),
		legFillTimeout: cfg.LegFillTimeout(),
		pollInterval:   500 * time.Millisecond,
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// legExec tracks one leg through submission and reconciliation.
type legExec struct {
	leg     signal.LegIntent
	adapter venue.Adapter
	cloid   string
	status  *venue.OrderStatus
	err     error
}

func (l *legExec) filled() float64 {
	if l.status == nil {
		return 0
	}
	return l.status.FilledUSD
}

func (l *legExec) terminal() bool {
	if l.err != nil {
		return true
	}
	if l.status == nil {
		return false
	}
	switch l.status.State {
	case venue.OrderStateFilled, venue.OrderStateRejected, venue.OrderStateCanceled:
		return true
	}
	return false
}

// OpenPair runs the full per-intent protocol: preflight, parallel leg
// submission, fill reconciliation, and the fail-safe flatten. On success the
// returned pair is OPEN with actual fills. ErrPairUnrecoverable returns a
// ZOMBIE pair record that must be persisted.
func (s *Service) OpenPair(ctx context.Context, intent signal.TradeIntent) (*portfolio.PositionPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IntentDeadline())
	defer cancel()

	shortAdapter, ok := s.venues[intent.Short.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, intent.Short.Venue)
	}
	longAdapter, ok := s.venues[intent.Long.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, intent.Long.Venue)
	}

	if err := s.preflight(ctx, intent); err != nil {
		return nil, err
	}

	short := &legExec{leg: intent.Short, adapter: shortAdapter, cloid: intent.IdempotencyKey + "-s"}
	long := &legExec{leg: intent.Long, adapter: longAdapter, cloid: intent.IdempotencyKey + "-l"}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, le := range []*legExec{short, long} {
		le := le
		group.Go(func() error {
			le.err = s.submit(groupCtx, le, false)
			return nil
		})
	}
	_ = group.Wait()

	s.awaitFills(ctx, short, long)

	return s.resolve(ctx, intent, short, long)
}

// preflight verifies available margin per venue before touching the book.
func (s *Service) preflight(ctx context.Context, intent signal.TradeIntent) error {
	required := map[string]float64{
		intent.Short.Venue: 0,
		intent.Long.Venue:  0,
	}
	required[intent.Short.Venue] += intent.Short.NotionalUSD / s.cfg.MaxLeverage
	required[intent.Long.Venue] += intent.Long.NotionalUSD / s.cfg.MaxLeverage

	for venueName, need := range required {
		balance, err := s.venues[venueName].Balance(ctx)
		if err != nil {
			return fmt.Errorf("execution: preflight balance on %s: %w", venueName, err)
		}
		if balance.AvailableUSD < need {
			return fmt.Errorf("%w: %s has %.2f, needs %.2f",
				ErrInsufficientMargin, venueName, balance.AvailableUSD, need)
		}
	}
	return nil
}

// submit places one leg with transient-error retries. A logical reject is
// recorded in the status, not returned as an error.
func (s *Service) submit(ctx context.Context, le *legExec, reduceOnly bool) error {
	return s.retry.do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout())
		defer cancel()

		ack, err := le.adapter.PlaceOrder(attemptCtx, venue.OrderRequest{
			Symbol:        le.leg.Symbol,
			Side:          le.leg.Side,
			NotionalUSD:   le.leg.NotionalUSD,
			ClientOrderID: le.cloid,
			ReduceOnly:    reduceOnly,
		})
		if err != nil {
			return fmt.Errorf("execution: place %s %s on %s: %w", le.leg.Side, le.leg.Symbol, le.leg.Venue, err)
		}
		le.status = &venue.OrderStatus{
			ClientOrderID: ack.ClientOrderID,
			State:         ack.State,
			FilledUSD:     ack.FilledUSD,
			RequestedUSD:  le.leg.NotionalUSD,
			AvgPrice:      ack.AvgPrice,
		}
		return nil
	})
}

// awaitFills polls both legs until they settle or the reconciliation window
// closes, then cancels whatever is still resting and takes a final status.
func (s *Service) awaitFills(ctx context.Context, legs ...*legExec) {
	deadline := s.nowFn().Add(s.legFillTimeout)
	for s.nowFn().Before(deadline) {
		allTerminal := true
		for _, le := range legs {
			if le.terminal() {
				continue
			}
			allTerminal = false
			status, err := le.adapter.OrderStatus(ctx, le.cloid)
			if err == nil {
				le.status = status
			}
		}
		if allTerminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}

	for _, le := range legs {
		if le.terminal() {
			continue
		}
		if err := le.adapter.Cancel(ctx, le.cloid); err != nil {
			logx.Errorf("execution: cancel %s: %v", le.cloid, err)
		}
		if status, err := le.adapter.OrderStatus(ctx, le.cloid); err == nil {
			le.status = status
		}
	}
}

// resolve turns the two leg outcomes into a pair, a flatten, or a zombie.
func (s *Service) resolve(ctx context.Context, intent signal.TradeIntent, short, long *legExec) (*portfolio.PositionPair, error) {
	filledShort, filledLong := short.filled(), long.filled()

	switch {
	case filledShort <= 0 && filledLong <= 0:
		if short.err != nil || long.err != nil {
			return nil, fmt.Errorf("execution: no fills, submission failed (short: %v, long: %v)", short.err, long.err)
		}
		return nil, fmt.Errorf("%w: short=%s long=%s", ErrIntentRejected, stateOf(short), stateOf(long))

	case filledShort > 0 && filledLong <= 0:
		return s.flattenSingle(ctx, intent, short)

	case filledLong > 0 && filledShort <= 0:
		return s.flattenSingle(ctx, intent, long)
	}

	// Both legs have fills: accept within tolerance, otherwise trim the
	// leg that filled proportionally more down to the smaller ratio.
	shortRatio := filledShort / intent.Short.NotionalUSD
	longRatio := filledLong / intent.Long.NotionalUSD
	shortOK := 1-shortRatio <= s.cfg.PartialFillTolerance
	longOK := 1-longRatio <= s.cfg.PartialFillTolerance

	if !shortOK || !longOK {
		matched := math.Min(shortRatio, longRatio)
		if err := s.trimLeg(ctx, short, matched*intent.Short.NotionalUSD, "-s-trim"); err != nil {
			return s.zombie(intent, short, long), fmt.Errorf("%w: trim short: %v", ErrPairUnrecoverable, err)
		}
		if err := s.trimLeg(ctx, long, matched*intent.Long.NotionalUSD, "-l-trim"); err != nil {
			return s.zombie(intent, short, long), fmt.Errorf("%w: trim long: %v", ErrPairUnrecoverable, err)
		}
		filledShort = matched * intent.Short.NotionalUSD
		filledLong = matched * intent.Long.NotionalUSD
	}

	pair := &portfolio.PositionPair{
		ID:             intent.IdempotencyKey,
		Status:         portfolio.PairOpen,
		Beta:           intent.Beta,
		EdgeBps:        intent.EdgeBps,
		IdempotencyKey: intent.IdempotencyKey,
		OpenedCycle:    intent.CycleID,
		OpenedAt:       s.nowFn().UTC(),
		Short:          legRecord(intent.Short, filledShort, short),
		Long:           legRecord(intent.Long, filledLong, long),
	}
	return pair, nil
}

// flattenSingle market-closes the only filled leg. Never leaves a
// single-legged position behind.
func (s *Service) flattenSingle(ctx context.Context, intent signal.TradeIntent, filled *legExec) (*portfolio.PositionPair, error) {
	logx.Errorf("execution: intent %s single-leg fill on %s, flattening %.2f USD",
		intent.IdempotencyKey, filled.leg.ID(), filled.filled())

	flat := &legExec{
		leg: signal.LegIntent{
			Venue:       filled.leg.Venue,
			Symbol:      filled.leg.Symbol,
			Side:        filled.leg.Side.Opposite(),
			NotionalUSD: filled.filled(),
		},
		adapter: filled.adapter,
		cloid:   filled.cloid + "-flat",
	}
	if err := s.submit(ctx, flat, true); err != nil {
		var shortLe, longLe *legExec
		if filled.leg.ID() == intent.Short.ID() && filled.leg.Side == intent.Short.Side {
			shortLe = filled
		} else {
			longLe = filled
		}
		zombiePair := s.zombie(intent, shortLe, longLe)
		return zombiePair, fmt.Errorf("%w: flatten %s failed: %v", ErrPairUnrecoverable, filled.leg.ID(), err)
	}
	return nil, fmt.Errorf("%w: intent %s", ErrPartialFillFlattened, intent.IdempotencyKey)
}

// trimLeg reduces a leg's filled notional down to target.
func (s *Service) trimLeg(ctx context.Context, le *legExec, targetUSD float64, suffix string) error {
	excess := le.filled() - targetUSD
	if excess <= 0 {
		return nil
	}
	trim := &legExec{
		leg: signal.LegIntent{
			Venue:       le.leg.Venue,
			Symbol:      le.leg.Symbol,
			Side:        le.leg.Side.Opposite(),
			NotionalUSD: excess,
		},
		adapter: le.adapter,
		cloid:   le.cloid + suffix,
	}
	return s.submit(ctx, trim, true)
}

// zombie builds the operator-intervention record for an unresolvable pair.
func (s *Service) zombie(intent signal.TradeIntent, short, long *legExec) *portfolio.PositionPair {
	pair := &portfolio.PositionPair{
		ID:             intent.IdempotencyKey,
		Status:         portfolio.PairZombie,
		Beta:           intent.Beta,
		EdgeBps:        intent.EdgeBps,
		IdempotencyKey: intent.IdempotencyKey,
		OpenedCycle:    intent.CycleID,
		OpenedAt:       s.nowFn().UTC(),
		Short:          legRecord(intent.Short, 0, nil),
		Long:           legRecord(intent.Long, 0, nil),
	}
	if short != nil {
		pair.Short = legRecord(intent.Short, short.filled(), short)
	}
	if long != nil {
		pair.Long = legRecord(intent.Long, long.filled(), long)
	}
	return pair
}

func legRecord(leg signal.LegIntent, filledUSD float64, le *legExec) portfolio.Leg {
	record := portfolio.Leg{
		Venue:     leg.Venue,
		Symbol:    leg.Symbol,
		Side:      leg.Side,
		EntryRate: leg.Rate,
		TargetUSD: leg.NotionalUSD,
		FilledUSD: filledUSD,
	}
	if le != nil && le.status != nil {
		record.EntryPrice = le.status.AvgPrice
	}
	return record
}

func stateOf(le *legExec) venue.OrderState {
	if le.status == nil {
		return venue.OrderStateNotFound
	}
	return le.status.State
}

// ClosePair exits both legs with reduce-only opposite orders. The client
// order ids derive from the pair id and the exit epoch, so a repeated close
// after a crash is idempotent.
func (s *Service) ClosePair(ctx context.Context, pair *portfolio.PositionPair, exitEpoch int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IntentDeadline())
	defer cancel()

	key := deriveKey(pair.ID, "exit", exitEpoch)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range []struct {
		leg    portfolio.Leg
		suffix string
	}{
		{pair.Short, "-s"},
		{pair.Long, "-l"},
	} {
		target := target
		if target.leg.FilledUSD <= 0 {
			continue
		}
		adapter, ok := s.venues[target.leg.Venue]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVenue, target.leg.Venue)
		}
		group.Go(func() error {
			le := &legExec{
				leg: signal.LegIntent{
					Venue:       target.leg.Venue,
					Symbol:      target.leg.Symbol,
					Side:        target.leg.Side.Opposite(),
					NotionalUSD: target.leg.FilledUSD,
				},
				adapter: adapter,
				cloid:   key + target.suffix,
			}
			return s.submit(groupCtx, le, true)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("execution: close pair %s: %w", pair.ID, err)
	}

	pair.Status = portfolio.PairClosed
	pair.ClosedAt = s.nowFn().UTC()
	pair.Short.FilledUSD = 0
	pair.Long.FilledUSD = 0
	return nil
}

// AdjustPair trims legs above their new targets with reduce-only orders.
// Used for REDUCE-mode shrinks and rebalance directives; it only ever
// reduces exposure.
func (s *Service) AdjustPair(ctx context.Context, pair *portfolio.PositionPair, targetShortUSD, targetLongUSD float64, epoch int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IntentDeadline())
	defer cancel()

	key := deriveKey(pair.ID, "adjust", epoch)
	for _, target := range []struct {
		leg    *portfolio.Leg
		goal   float64
		suffix string
	}{
		{&pair.Short, targetShortUSD, "-s"},
		{&pair.Long, targetLongUSD, "-l"},
	} {
		excess := target.leg.FilledUSD - target.goal
		if excess <= 0 {
			continue
		}
		adapter, ok := s.venues[target.leg.Venue]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVenue, target.leg.Venue)
		}
		le := &legExec{
			leg: signal.LegIntent{
				Venue:       target.leg.Venue,
				Symbol:      target.leg.Symbol,
				Side:        target.leg.Side.Opposite(),
				NotionalUSD: excess,
			},
			adapter: adapter,
			cloid:   key + target.suffix,
		}
		if err := s.submit(ctx, le, true); err != nil {
			return fmt.Errorf("execution: adjust pair %s: %w", pair.ID, err)
		}
		target.leg.FilledUSD = target.goal
		target.leg.TargetUSD = target.goal
	}
	return nil
}

// deriveKey builds a deterministic client-order-id stem for close/adjust
// flows, mirroring the intent idempotency key derivation.
func deriveKey(pairID, kind string, epoch int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", pairID, kind, epoch)))
	return hex.EncodeToString(sum[:])[:16]
}
