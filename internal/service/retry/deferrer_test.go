package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerDeferrer_FiresAndReplaces(t *testing.T) {
	d := NewTimerDeferrer()
	defer d.Stop()

	var first, second int32
	d.Arm("job", time.Now().Add(time.Hour), func() { atomic.AddInt32(&first, 1) })
	d.Arm("job", time.Now().Add(5*time.Millisecond), func() { atomic.AddInt32(&second, 1) })
	assert.Equal(t, 1, d.Pending())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&first))
	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerDeferrer_CancelAndStop(t *testing.T) {
	d := NewTimerDeferrer()
	var fired int32
	d.Arm("a", time.Now().Add(20*time.Millisecond), func() { atomic.AddInt32(&fired, 1) })
	d.Cancel("a")

	d.Arm("b", time.Now().Add(20*time.Millisecond), func() { atomic.AddInt32(&fired, 1) })
	d.Stop()
	d.Arm("c", time.Now(), func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
	assert.Equal(t, 0, d.Pending())
}
