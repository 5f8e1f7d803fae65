package iomanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFDTable_GrowthKeepsSlots(t *testing.T) {
	table := newFDTable(4)
	require.Equal(t, 4, table.capacity())

	c3 := table.getOrCreate(3)
	require.Equal(t, 3, c3.fd)
	require.Nil(t, table.get(4))
	require.Nil(t, table.get(-1))

	c100 := table.getOrCreate(100)
	require.Equal(t, 150, table.capacity())
	require.Equal(t, 100, c100.fd)
	require.Same(t, c3, table.get(3))

	// never shrinks, and small fds grow to at least the initial size
	require.Same(t, c100, table.getOrCreate(100))
	require.Equal(t, 150, table.capacity())

	small := newFDTable(0)
	require.Equal(t, defaultFDCapacity, small.capacity())
	small.getOrCreate(defaultFDCapacity)
	require.Equal(t, defaultFDCapacity*3/2, small.capacity())
}

func TestFDTable_ConcurrentGrowth(t *testing.T) {
	table := newFDTable(1)
	var wg sync.WaitGroup
	slots := make([]*fdContext, 64)
	for i := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = table.getOrCreate(i * 7)
		}()
	}
	wg.Wait()
	for i, c := range slots {
		require.Same(t, c, table.get(i*7))
		require.Equal(t, i*7, c.fd)
	}
}

func TestFDContext_ArmTakeClear(t *testing.T) {
	c := &fdContext{fd: 9}
	cb := func() {}

	c.arm(EventRead, action{cb: cb})
	c.arm(EventWrite, action{cb: cb})
	require.Equal(t, EventRead|EventWrite, c.events)
	require.False(t, c.read.empty())

	a := c.take(EventRead)
	require.NotNil(t, a.cb)
	require.True(t, c.read.empty())
	require.Equal(t, EventWrite, c.events)

	c.clear(EventWrite)
	require.True(t, c.write.empty())
	require.Equal(t, EventNone, c.events)

	require.Panics(t, func() { c.context(EventRead | EventWrite) })
}

func TestEvent_String(t *testing.T) {
	for ev, want := range map[Event]string{
		EventNone:              "NONE",
		EventRead:              "READ",
		EventWrite:             "WRITE",
		EventRead | EventWrite: "READ|WRITE",
		EventRead | 0x10:       "READ|0x10",
	} {
		require.Equal(t, want, ev.String())
	}
	require.True(t, EventRead.single())
	require.False(t, (EventRead | EventWrite).single())
	require.False(t, EventNone.single())
}

func TestTimeoutMillis(t *testing.T) {
	for d, want := range map[time.Duration]int{
		-time.Second:            -1,
		0:                       0,
		time.Nanosecond:         1,
		time.Millisecond:        1,
		1500 * time.Microsecond: 2,
		3 * time.Second:         3000,
		1 << 62:                 maxWaitMillis,
	} {
		require.Equal(t, want, timeoutMillis(d), d.String())
	}
}
