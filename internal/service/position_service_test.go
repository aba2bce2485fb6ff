package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
)

type positionFixture struct {
	svc    *PositionService
	store  *memPositionStore
	vaults *memVaultStore
	bus    *recordingBus
	audit  *recordingAudit
}

func newPositionFixture(vaultBalance string) positionFixture {
	f := positionFixture{
		store:  newMemPositionStore(),
		vaults: newMemVaultStore("vault-1", d(vaultBalance)),
		bus:    &recordingBus{},
		audit:  &recordingAudit{},
	}
	f.svc = NewPositionService(f.store, f.vaults, f.bus, f.audit, scaling.NewCalculator(scaling.DefaultParams()), discardLogger())
	f.svc.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func (f positionFixture) open(t *testing.T, dir domain.Direction) domain.Position {
	t.Helper()
	pos, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		Symbol:     "BTCUSDT",
		Direction:  dir,
		Investment: d("100"),
		Leverage:   10,
		EntryPrice: d("100"),
		Confidence: 0.7,
		VaultID:    "vault-1",
	})
	require.NoError(t, err)
	return pos
}

func TestOpenPosition(t *testing.T) {
	f := newPositionFixture("1000")
	pos := f.open(t, domain.DirectionLong)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	require.Len(t, pos.Stages, 1)
	assert.True(t, pos.Size.Equal(d("1000")))
	assert.True(t, pos.AverageEntry.Equal(d("100")))
	assert.True(t, pos.LiquidationPrice.Equal(d("90.5")), "liq %s", pos.LiquidationPrice)
	assert.True(t, pos.TakeProfitPrice.Equal(d("107.5")), "tp %s", pos.TakeProfitPrice)
	assert.Equal(t, []string{"position_opened"}, f.audit.events)
	assert.Len(t, f.bus.published, 1)

	_, err := f.svc.OpenPosition(context.Background(), OpenRequest{Symbol: "X", Direction: "sideways"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "direction", verr.Field)
}

func TestApplyScaleIn(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	stage := domain.Stage{Number: 2, Investment: d("200"), Leverage: 5, EntryPrice: d("90"), Confidence: 0.7}
	got, err := f.svc.ApplyScaleIn(ctx, pos.ID, d("90"), stage)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusScaling, got.Status)
	require.Len(t, got.Stages, 2)
	// (1000*100 + 1000*90) / 2000
	assert.True(t, got.AverageEntry.Equal(d("95")), "avg %s", got.AverageEntry)
	assert.True(t, got.Size.Equal(d("2000")))
	assert.False(t, got.Stages[1].CreatedAt.IsZero())

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Stages, 2)

	_, err = f.svc.ApplyScaleIn(ctx, pos.ID, d("90"), stage)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stage", verr.Field)
}

func TestApplyTakeProfit_IsIdempotent(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	got, err := f.svc.ApplyTakeProfit(ctx, pos.ID, d("107.5"), d("0.5"), d("105.35"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartialClosed, got.Status)
	assert.True(t, got.FirstTakeProfitHit)
	assert.True(t, got.RealizedPnL.Equal(d("37.5")), "realized %s", got.RealizedPnL)
	assert.True(t, got.OpenFraction.Equal(d("0.5")))
	assert.True(t, got.Size.Equal(d("500")))
	require.NotNil(t, got.TrailingStop)
	assert.True(t, got.TrailingStop.Equal(d("105.35")))
	updates := f.store.updateCount()

	again, err := f.svc.ApplyTakeProfit(ctx, pos.ID, d("107.5"), d("0.5"), d("105.35"))
	require.NoError(t, err)
	assert.True(t, again.RealizedPnL.Equal(d("37.5")))
	assert.Equal(t, updates, f.store.updateCount())

	// No doubling once partially closed.
	_, err = f.svc.ApplyScaleIn(ctx, pos.ID, d("100"), domain.Stage{Number: 2, Investment: d("200"), Leverage: 5, EntryPrice: d("100")})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApplyTrailingStop_ClosesRemainder(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	_, err := f.svc.ApplyTakeProfit(ctx, pos.ID, d("107.5"), d("0.5"), d("105.35"))
	require.NoError(t, err)

	got, err := f.svc.ApplyTrailingStop(ctx, pos.ID, d("105.35"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	// 37.5 + 10 * 5.35 * 0.5
	assert.True(t, got.RealizedPnL.Equal(d("64.25")), "realized %s", got.RealizedPnL)
	assert.True(t, got.Size.IsZero())
	require.NotNil(t, got.ClosedAt)

	_, err = f.svc.ApplyTrailingStop(ctx, pos.ID, d("100"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApplyTakeProfit_FullFractionCloses(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	got, err := f.svc.ApplyTakeProfit(ctx, pos.ID, d("107.5"), d("1"), d("105.35"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.True(t, got.RealizedPnL.Equal(d("75")), "realized %s", got.RealizedPnL)
	assert.True(t, got.HeldFraction().IsZero())
	assert.True(t, got.Size.IsZero())
	assert.Nil(t, got.TrailingStop)
	require.NotNil(t, got.ClosedAt)

	_, err = f.svc.ApplyTrailingStop(ctx, pos.ID, d("105.35"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.RealizedPnL.Equal(d("75")), "realized %s", stored.RealizedPnL)
	assert.False(t, stored.Status.IsActive())
}

func TestApplyMarginInjection(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	got, err := f.svc.ApplyMarginInjection(ctx, pos.ID, d("150"))
	require.NoError(t, err)
	assert.True(t, got.InjectedMargin.Equal(d("150")))
	assert.True(t, got.EmergencyInjected)
	assert.True(t, got.LiquidationPrice.Equal(d("75.5")), "liq %s", got.LiquidationPrice)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)

	bal, err := f.vaults.Balance(ctx, "vault-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("850")))

	_, err = f.svc.ApplyMarginInjection(ctx, pos.ID, d("150"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	bal, _ = f.vaults.Balance(ctx, "vault-1")
	assert.True(t, bal.Equal(d("850")), "second injection must not debit the vault")
}

func TestApplyMarginInjection_InsufficientFunds(t *testing.T) {
	f := newPositionFixture("10")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	_, err := f.svc.ApplyMarginInjection(ctx, pos.ID, d("150"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.InjectedMargin.IsZero())
	assert.False(t, stored.EmergencyInjected)
}

func TestApplyMarginInjection_RefundsWhenUpdateFails(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)

	dbDown := errors.New("db down")
	svc := NewPositionService(failingUpdates{memPositionStore: f.store, err: dbDown}, f.vaults, f.bus, f.audit,
		scaling.NewCalculator(scaling.DefaultParams()), discardLogger())

	_, err := svc.ApplyMarginInjection(ctx, pos.ID, d("150"))
	require.ErrorIs(t, err, dbDown)

	bal, err := f.vaults.Balance(ctx, "vault-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1000")), "balance %s", bal)

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.InjectedMargin.IsZero())
	assert.False(t, stored.EmergencyInjected)
	assert.NotContains(t, f.audit.events, "margin_injected")

	// The healthy store can still inject once.
	got, err := f.svc.ApplyMarginInjection(ctx, pos.ID, d("150"))
	require.NoError(t, err)
	assert.True(t, got.EmergencyInjected)
}

func TestApplyLiquidation(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionShort)

	got, err := f.svc.ApplyLiquidation(ctx, pos.ID, d("109.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, got.Status)
	assert.True(t, got.RealizedPnL.Equal(d("-100")))

	_, err = f.svc.ApplyLiquidation(ctx, pos.ID, d("110"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Contains(t, f.audit.events, "position_liquidated")
}

func TestApply_UnknownPosition(t *testing.T) {
	f := newPositionFixture("1000")
	_, err := f.svc.ApplyTrailingStop(context.Background(), "missing", d("1"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDryRunExecutor_OverlaysWithoutPersisting(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionLong)
	updates := f.store.updateCount()

	dry := NewDryRunExecutor(f.store, f.vaults, scaling.NewCalculator(scaling.DefaultParams()), discardLogger())

	stage := domain.Stage{Number: 2, Investment: d("200"), Leverage: 5, EntryPrice: d("90")}
	_, err := dry.ApplyScaleIn(ctx, pos.ID, d("90"), stage)
	require.NoError(t, err)

	seen, err := dry.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, seen.Stages, 2)

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Stages, 1)
	assert.Equal(t, updates, f.store.updateCount())

	_, err = dry.ApplyMarginInjection(ctx, pos.ID, d("5000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = dry.ApplyLiquidation(ctx, pos.ID, d("80"))
	require.NoError(t, err)
	active, err := dry.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	bal, _ := f.vaults.Balance(ctx, "vault-1")
	assert.True(t, bal.Equal(decimal.NewFromInt(1000)))
}

func TestDryRunExecutor_FullTakeProfitCloses(t *testing.T) {
	f := newPositionFixture("1000")
	ctx := context.Background()
	pos := f.open(t, domain.DirectionShort)

	dry := NewDryRunExecutor(f.store, f.vaults, scaling.NewCalculator(scaling.DefaultParams()), discardLogger())
	got, err := dry.ApplyTakeProfit(ctx, pos.ID, d("92.5"), d("1"), d("94.65"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.True(t, got.RealizedPnL.Equal(d("75")), "realized %s", got.RealizedPnL)

	_, err = dry.ApplyTrailingStop(ctx, pos.ID, d("94.65"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	active, err := dry.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
