package service

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

type memPositionStore struct {
	mu      sync.Mutex
	byID    map[string]domain.Position
	updates int
}

func newMemPositionStore(positions ...domain.Position) *memPositionStore {
	s := &memPositionStore{byID: make(map[string]domain.Position)}
	for _, p := range positions {
		s.byID[p.ID] = p.Clone()
	}
	return s
}

func (s *memPositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.byID[pos.ID] = pos.Clone()
	return nil
}

func (s *memPositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.updates++
	s.byID[pos.ID] = pos.Clone()
	return nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memPositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
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

func (s *memPositionStore) ListHistory(_ context.Context, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *memPositionStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type memVaultStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func newMemVaultStore(id string, balance decimal.Decimal) *memVaultStore {
	return &memVaultStore{balances: map[string]decimal.Decimal{id: balance}}
}

func (v *memVaultStore) Balance(_ context.Context, id string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.balances[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return b, nil
}

func (v *memVaultStore) Upsert(_ context.Context, vault domain.Vault) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[vault.ID] = vault.Balance
	return nil
}

func (v *memVaultStore) Withdraw(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.balances[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	if b.LessThan(amount) {
		return b, domain.ErrInsufficientFunds
	}
	b = b.Sub(amount)
	v.balances[id] = b
	return b, nil
}

func (v *memVaultStore) Deposit(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.balances[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	b = b.Add(amount)
	v.balances[id] = b
	return b, nil
}

// failingUpdates wraps a position store whose writes fail after Create.
type failingUpdates struct {
	*memPositionStore
	err error
}

func (s failingUpdates) Update(context.Context, domain.Position) error {
	return s.err
}

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *recordingAudit) ListAfter(context.Context, int64, int) ([]domain.AuditEntry, error) {
	return nil, nil
}
