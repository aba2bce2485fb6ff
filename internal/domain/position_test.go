package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PositionStatus
		want     bool
	}{
		{PositionStatusOpen, PositionStatusScaling, true},
		{PositionStatusScaling, PositionStatusScaling, true},
		{PositionStatusScaling, PositionStatusPartialClosed, true},
		{PositionStatusPartialClosed, PositionStatusClosed, true},
		{PositionStatusPartialClosed, PositionStatusLiquidated, true},
		{PositionStatusOpen, PositionStatusLiquidated, true},
		{PositionStatusPartialClosed, PositionStatusScaling, false},
		{PositionStatusClosed, PositionStatusOpen, false},
		{PositionStatusLiquidated, PositionStatusClosed, false},
		{PositionStatusScaling, PositionStatusOpen, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPositionStatusIsActive(t *testing.T) {
	assert.True(t, PositionStatusOpen.IsActive())
	assert.True(t, PositionStatusScaling.IsActive())
	assert.True(t, PositionStatusPartialClosed.IsActive())
	assert.False(t, PositionStatusClosed.IsActive())
	assert.False(t, PositionStatusLiquidated.IsActive())
}

func TestDirectionSign(t *testing.T) {
	assert.True(t, DirectionLong.Valid())
	assert.True(t, DirectionShort.Valid())
	assert.False(t, Direction("sideways").Valid())
	assert.Equal(t, "1", DirectionLong.Sign().String())
	assert.Equal(t, "-1", DirectionShort.Sign().String())
}
