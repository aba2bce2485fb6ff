package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	byID map[string]domain.Position
}

func newMemStore(positions ...domain.Position) *memStore {
	s := &memStore{byID: make(map[string]domain.Position)}
	for _, p := range positions {
		s.byID[p.ID] = p.Clone()
	}
	return s
}

func (s *memStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pos.ID] = pos.Clone()
	return nil
}

func (s *memStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.byID[pos.ID] = pos.Clone()
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status.IsActive() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListHistory(ctx context.Context, _ domain.ListOpts) ([]domain.Position, error) {
	return s.ListActive(ctx)
}

func (s *memStore) get(id string) domain.Position {
	p, _ := s.GetByID(context.Background(), id)
	return p
}

type memVault struct {
	mu      sync.Mutex
	balance decimal.Decimal
}

func (v *memVault) Balance(context.Context, string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

func (v *memVault) Upsert(_ context.Context, vault domain.Vault) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = vault.Balance
	return nil
}

func (v *memVault) Withdraw(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance.LessThan(amount) {
		return v.balance, domain.ErrInsufficientFunds
	}
	v.balance = v.balance.Sub(amount)
	return v.balance, nil
}

func (v *memVault) Deposit(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = v.balance.Add(amount)
	return v.balance, nil
}

// stubPrices serves a settable price per symbol. A missing symbol is a feed
// failure.
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newStubPrices() *stubPrices {
	return &stubPrices{prices: make(map[string]decimal.Decimal)}
}

func (p *stubPrices) set(symbol, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = decimal.RequireFromString(price)
}

func (p *stubPrices) drop(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, symbol)
}

func (p *stubPrices) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, &domain.FeedError{Source: "stub", Symbol: symbol}
	}
	return price, nil
}

type stubClusters struct {
	above, below []domain.LiquidationCluster
	err          error
	calls        atomic.Int32
}

func (c *stubClusters) Clusters(context.Context, string, decimal.Decimal) ([]domain.LiquidationCluster, []domain.LiquidationCluster, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, nil, c.err
	}
	return c.above, c.below, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *recordingSink) Publish(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) snapshot() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.alerts...)
}

// countingExecutor wraps a real executor and counts calls. It can block
// take-profit calls or panic for one position.
type countingExecutor struct {
	inner domain.PositionExecutor

	scaleIns    atomic.Int32
	takeProfits atomic.Int32
	trailing    atomic.Int32
	injections  atomic.Int32
	liquidated  atomic.Int32

	panicOn string
	entered chan struct{}
	block   chan struct{}
}

func (c *countingExecutor) maybePanic(id string) {
	if c.panicOn != "" && id == c.panicOn {
		panic(errors.New("executor exploded"))
	}
}

func (c *countingExecutor) ApplyScaleIn(ctx context.Context, id string, price decimal.Decimal, stage domain.Stage) (domain.Position, error) {
	c.maybePanic(id)
	c.scaleIns.Add(1)
	return c.inner.ApplyScaleIn(ctx, id, price, stage)
}

func (c *countingExecutor) ApplyTakeProfit(ctx context.Context, id string, price, fraction, ts decimal.Decimal) (domain.Position, error) {
	c.maybePanic(id)
	c.takeProfits.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	return c.inner.ApplyTakeProfit(ctx, id, price, fraction, ts)
}

func (c *countingExecutor) ApplyTrailingStop(ctx context.Context, id string, price decimal.Decimal) (domain.Position, error) {
	c.maybePanic(id)
	c.trailing.Add(1)
	return c.inner.ApplyTrailingStop(ctx, id, price)
}

func (c *countingExecutor) ApplyMarginInjection(ctx context.Context, id string, amount decimal.Decimal) (domain.Position, error) {
	c.maybePanic(id)
	c.injections.Add(1)
	return c.inner.ApplyMarginInjection(ctx, id, amount)
}

func (c *countingExecutor) ApplyLiquidation(ctx context.Context, id string, price decimal.Decimal) (domain.Position, error) {
	c.maybePanic(id)
	c.liquidated.Add(1)
	return c.inner.ApplyLiquidation(ctx, id, price)
}
