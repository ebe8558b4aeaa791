package intake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeRingBlocksRepeatWithinWindow(t *testing.T) {
	d := newDedupeRing(16, time.Minute)
	assert.False(t, d.seen("rec-1", "fp-a"))
	assert.True(t, d.seen("rec-1", "fp-a"))
}

func TestDedupeRingAllowsAfterWindowExpires(t *testing.T) {
	d := newDedupeRing(16, 10*time.Millisecond)
	assert.False(t, d.seen("rec-1", "fp-a"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.seen("rec-1", "fp-a"))
}

func TestDedupeRingDistinguishesByRecorder(t *testing.T) {
	d := newDedupeRing(16, time.Minute)
	assert.False(t, d.seen("rec-1", "fp-a"))
	assert.False(t, d.seen("rec-2", "fp-a"))
}

func TestDedupeRingEvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupeRing(2, time.Minute)
	assert.False(t, d.seen("rec", "fp-1"))
	assert.False(t, d.seen("rec", "fp-2"))
	assert.False(t, d.seen("rec", "fp-3")) // evicts fp-1

	assert.False(t, d.seen("rec", "fp-1")) // no longer remembered
	assert.True(t, d.seen("rec", "fp-3"))  // still within window
}
