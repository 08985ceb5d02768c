package sim_test

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/collab"
	"tradeloop/internal/collab/sim"
)

func newBroker() *sim.Brokerage {
	log := logrus.New()
	log.SetOutput(io.Discard)
	b := sim.New(sim.Config{Symbols: []string{"AAPL", "msft"}, StartingCash: 1000, Seed: 7, Log: log})
	b.SetPrice("AAPL", 100)
	return b
}

func TestBuyAndSell(t *testing.T) {
	ctx := context.Background()
	b := newBroker()

	res, err := b.SubmitOrder(ctx, collab.Order{Symbol: "aapl", Side: collab.SideBuy, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
	assert.Equal(t, 100.0, res.Price)

	p, err := b.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Equal(t, 600.0, p.Cash)
	assert.Equal(t, 4.0, p.Positions["AAPL"].Quantity)
	assert.Equal(t, []string{"AAPL"}, p.Symbols())

	b.SetPrice("AAPL", 110)
	_, err = b.SubmitOrder(ctx, collab.Order{Symbol: "AAPL", Side: collab.SideSell, Quantity: 4})
	require.NoError(t, err)
	p, err = b.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1040.0, p.Cash)
	assert.Empty(t, p.Positions)
}

func TestOrderErrors(t *testing.T) {
	ctx := context.Background()
	b := newBroker()

	_, err := b.SubmitOrder(ctx, collab.Order{Symbol: "AAPL", Side: collab.SideBuy, Quantity: 11})
	assert.ErrorIs(t, err, collab.ErrInsufficientFunds)

	_, err = b.SubmitOrder(ctx, collab.Order{Symbol: "ZZZZ", Side: collab.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, collab.ErrOrderValidation)

	_, err = b.SubmitOrder(ctx, collab.Order{Symbol: "AAPL", Side: collab.SideSell, Quantity: 1})
	assert.ErrorIs(t, err, collab.ErrOrderValidation)

	_, err = b.SubmitOrder(ctx, collab.Order{Symbol: "AAPL", Side: collab.SideBuy, Quantity: 0})
	assert.ErrorIs(t, err, collab.ErrOrderValidation)
}

func TestMarketSession(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)
	b.SetOpen(false)
	open, _ = b.IsOpen(ctx)
	assert.False(t, open)

	snap, err := b.GetLatestPrices(ctx, []string{"AAPL", "MSFT", "NOPE"})
	require.NoError(t, err)
	assert.Len(t, snap.Prices, 2)
	assert.InDelta(t, 100, snap.Prices["AAPL"], 1.01)
}

func TestCollaboratorErrorWrapping(t *testing.T) {
	err := collab.Wrap("brokerage", "submit_order", collab.ErrConnectivity)
	assert.ErrorIs(t, err, collab.ErrCollaborator)
	assert.ErrorIs(t, err, collab.ErrConnectivity)
	assert.Nil(t, collab.Wrap("brokerage", "x", nil))
	assert.Equal(t, err, collab.Wrap("other", "y", err))
}
