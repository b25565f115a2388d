package enginewazero

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleIDDeterministic(t *testing.T) {
	a := moduleID([]byte{1, 2, 3})
	b := moduleID([]byte{1, 2, 3})
	c := moduleID([]byte{1, 2, 4})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFuelMeterQuantum(t *testing.T) {
	m := &fuelMeter{remaining: -1, quantum: 3}
	m.consume(1)
	m.consume(1)
	assert.False(t, m.exhausted.Load())
	m.consume(1)
	assert.True(t, m.exhausted.Load())
	m.resetQuantum()
	assert.False(t, m.exhausted.Load())
}

func TestFuelMeterTotalBudget(t *testing.T) {
	total := uint64(2)
	m := &fuelMeter{remaining: int64(total), quantum: 100}
	m.consume(1)
	assert.False(t, m.exhausted.Load())
	m.consume(1)
	assert.True(t, m.exhausted.Load())
}
