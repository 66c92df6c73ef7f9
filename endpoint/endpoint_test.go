package endpoint

import (
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/raffino/dfshm/cacheline"
	"github.com/raffino/dfshm/dfshmerr"
	"github.com/raffino/dfshm/queue"
)

func alignedBuffer(n uintptr) []byte {
	buf := make([]byte, n+cacheline.Size)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := cacheline.AlignUp(addr, cacheline.Size) - addr
	return buf[offset : offset+n]
}

func newQueue(t *testing.T, n uint32, p uintptr) *queue.Queue {
	t.Helper()
	buf := alignedBuffer(queue.CalculateSize(n, p))
	q, err := queue.Create(uintptr(unsafe.Pointer(&buf[0])), n, p)
	require.NoError(t, err)
	return q
}

func TestRoleMismatchReturnsInvalidArgument(t *testing.T) {
	q := newQueue(t, 2, 64)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Dequeue()
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidArgument))

	_, err = sender.IsDequeuePossible()
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidArgument))
}

// TestSPSCFIFO covers property 3: distinct payloads enqueued in order
// are dequeued in the same order.
func TestSPSCFIFO(t *testing.T) {
	q := newQueue(t, 4, 64)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)
	defer receiver.Close()

	payloads := [][]byte{[]byte("p1"), []byte("p2-longer"), []byte("p3")}
	for _, p := range payloads {
		require.NoError(t, sender.Enqueue(p))
	}
	for _, want := range payloads {
		got, err := receiver.Dequeue()
		require.NoError(t, err)
		require.Equal(t, string(want), string(got))
		require.NoError(t, receiver.Release())
	}
}

// TestBackPressure covers property 4 and scenario S4: after N enqueues
// without a release, the ring reports full and try_enqueue would-blocks;
// a blocking enqueue then completes as soon as one slot is released.
func TestBackPressure(t *testing.T) {
	const n = 4
	q := newQueue(t, n, 16)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)
	defer receiver.Close()

	for i := 0; i < n; i++ {
		require.NoError(t, sender.Enqueue([]byte("x")))
	}

	possible, err := sender.IsEnqueuePossible()
	require.NoError(t, err)
	require.False(t, possible)

	ok, err := sender.TryEnqueue([]byte("y"))
	require.NoError(t, err)
	require.False(t, ok)

	done := make(chan error, 1)
	go func() {
		done <- sender.Enqueue([]byte("blocked"))
	}()

	select {
	case <-done:
		t.Fatal("Enqueue returned before any slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = receiver.Dequeue()
	require.NoError(t, err)
	require.NoError(t, receiver.Release())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after release")
	}
}

// TestOversizePayload covers property 8 and scenario S5.
func TestOversizePayload(t *testing.T) {
	q := newQueue(t, 2, 64)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)
	defer receiver.Close()

	exact := make([]byte, 64)
	require.NoError(t, sender.Enqueue(exact))
	_, err = receiver.Dequeue()
	require.NoError(t, err)
	require.NoError(t, receiver.Release())

	oversize := make([]byte, 65)
	err = sender.Enqueue(oversize)
	require.True(t, errors.Is(err, dfshmerr.ErrInvalidArgument))

	possible, err := receiver.IsDequeuePossible()
	require.NoError(t, err)
	require.False(t, possible)
}

// TestGatherEnqueue covers scenario S3.
func TestGatherEnqueue(t *testing.T) {
	q := newQueue(t, 2, 128)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)
	defer receiver.Close()

	segA := make([]byte, 10)
	segB := make([]byte, 20)
	segC := make([]byte, 30)
	for i := range segA {
		segA[i] = 'a'
	}
	for i := range segB {
		segB[i] = 'b'
	}
	for i := range segC {
		segC[i] = 'c'
	}

	require.NoError(t, sender.EnqueueVector([][]byte{segA, segB, segC}))
	got, err := receiver.Dequeue()
	require.NoError(t, err)
	require.Len(t, got, 60)
	require.Equal(t, byte('a'), got[0])
	require.Equal(t, byte('b'), got[10])
	require.Equal(t, byte('c'), got[30])
	require.NoError(t, receiver.Release())
}

// TestZeroCopyReadContract covers property 5: the slice returned by
// Dequeue aliases the slot's live payload bytes, and Release advances
// past it.
func TestZeroCopyReadContract(t *testing.T) {
	q := newQueue(t, 2, 16)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, sender.Enqueue([]byte("hello")))
	got, err := receiver.Dequeue()
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.Same(t, &q.Slot(0).Payload()[0], &got[0])
	require.NoError(t, receiver.Release())

	require.NoError(t, sender.Enqueue([]byte("hi")))
	got2, err := receiver.Dequeue()
	require.NoError(t, err)
	require.Equal(t, "hi", string(got2))
	require.NoError(t, receiver.Release())
}

// TestConcurrentProducerConsumer exercises the full protocol under real
// goroutine concurrency (the closest this module gets, without two
// processes, to scenario S2's ping-pong workload).
func TestConcurrentProducerConsumer(t *testing.T) {
	q := newQueue(t, 8, 32)
	sender, err := OpenSender(q, nil)
	require.NoError(t, err)
	receiver, err := OpenReceiver(q, nil)
	require.NoError(t, err)

	const count = 5000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer sender.Close()
		for i := 0; i < count; i++ {
			buf := []byte{byte(i), byte(i >> 8)}
			require.NoError(t, sender.Enqueue(buf))
		}
	}()

	go func() {
		defer wg.Done()
		defer receiver.Close()
		for i := 0; i < count; i++ {
			got, err := receiver.Dequeue()
			require.NoError(t, err)
			require.Equal(t, byte(i), got[0])
			require.Equal(t, byte(i>>8), got[1])
			require.NoError(t, receiver.Release())
		}
	}()

	wg.Wait()
}
