package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerHeap_Expire(t *testing.T) {
	base := time.Unix(0, 0)
	h := newTimerHeap()

	var fired []int
	for _, offset := range []int{30, 10, 20, 40} {
		h.add(base.Add(time.Duration(offset)*time.Millisecond), func() {
			fired = append(fired, offset)
		})
	}

	next, ok := h.next()
	assert.True(t, ok)
	assert.Equal(t, base.Add(10*time.Millisecond), next)

	h.expire(base.Add(25 * time.Millisecond))
	assert.Equal(t, []int{10, 20}, fired)
	assert.Equal(t, 2, h.Len())

	h.expire(base.Add(time.Hour))
	assert.Equal(t, []int{10, 20, 30, 40}, fired)

	_, ok = h.next()
	assert.False(t, ok)
}

func TestTimerHeap_Remove(t *testing.T) {
	base := time.Unix(0, 0)

	tests := map[string]struct {
		remove []int
		want   []int
	}{
		"head":   {remove: []int{0}, want: []int{2, 3}},
		"middle": {remove: []int{1}, want: []int{1, 3}},
		"all":    {remove: []int{0, 1, 2}, want: nil},
		"twice":  {remove: []int{2, 2}, want: []int{1, 2}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTimerHeap()
			var fired []int
			timers := make([]*timer, 3)
			for i := range timers {
				timers[i] = h.add(base.Add(time.Duration(i+1)*time.Second), func() {
					fired = append(fired, i+1)
				})
			}

			for _, i := range tt.remove {
				h.remove(timers[i])
			}
			h.expire(base.Add(time.Minute))
			assert.Equal(t, tt.want, fired)
		})
	}
}

func TestTimerHeap_RemoveFiredOrNil(t *testing.T) {
	h := newTimerHeap()
	fired := h.add(time.Unix(0, 0), func() {})
	pending := h.add(time.Unix(100, 0), func() {})

	h.expire(time.Unix(1, 0))

	assert.NotPanics(t, func() {
		h.remove(fired)
		h.remove(nil)
	})
	assert.Equal(t, 1, h.Len())

	h.remove(pending)
	assert.Equal(t, 0, h.Len())
}
