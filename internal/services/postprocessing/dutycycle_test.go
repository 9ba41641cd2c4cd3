package postprocessing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDutyCycleDisabled(t *testing.T) {
	d := NewDutyCycle(false, time.Minute, time.Minute, 10*time.Second)
	assert.Nil(t, d)
	assert.True(t, d.Active(0, 12345))
	assert.False(t, d.NearWindowEnd(0, 12345))
}

func TestDutyCycleWindows(t *testing.T) {
	d := NewDutyCycle(true, 5*time.Minute, 10*time.Minute, 15*time.Second)
	anchor := int64(1_000_000)
	minute := int64(60_000)

	assert.True(t, d.Active(anchor, anchor))
	assert.True(t, d.Active(anchor, anchor+5*minute-1))
	assert.False(t, d.Active(anchor, anchor+5*minute))
	assert.False(t, d.Active(anchor, anchor+15*minute-1))
	assert.True(t, d.Active(anchor, anchor+15*minute))
	assert.Equal(t, int64(1), d.WindowIndex(anchor, anchor+15*minute))

	assert.False(t, d.NearWindowEnd(anchor, anchor+4*minute))
	assert.True(t, d.NearWindowEnd(anchor, anchor+5*minute-15_000))
	assert.True(t, d.NearWindowEnd(anchor, anchor+5*minute-1))
	assert.False(t, d.NearWindowEnd(anchor, anchor+5*minute))
}
