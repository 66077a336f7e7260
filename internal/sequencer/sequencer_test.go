package sequencer

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func notClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("closed too early")
	case <-time.After(20 * time.Millisecond):
	}
}

// sink emulates an asynchronous storage append with varying latency.
type sink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	seqs     []uint64
	inFlight atomic.Int32
	overlap  atomic.Bool
	latency  func() time.Duration
}

func (k *sink) handle(c *types.Chunk, persist bool) Result {
	ch := make(chan error, 1)
	go func() {
		if k.inFlight.Add(1) > 1 {
			k.overlap.Store(true)
		}
		defer k.inFlight.Add(-1)
		if k.latency != nil {
			time.Sleep(k.latency())
		}
		k.mu.Lock()
		k.buf.Write(c.Data)
		k.seqs = append(k.seqs, c.Seq)
		k.mu.Unlock()
		ch <- nil
	}()
	return Result{Persisted: ch}
}

func TestChunksPersistedInArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var rngMu sync.Mutex
	k := &sink{latency: func() time.Duration {
		rngMu.Lock()
		defer rngMu.Unlock()
		return time.Duration(rng.Intn(3000)) * time.Microsecond
	}}
	s := New("stream", k.handle)

	var want bytes.Buffer
	for i := 0; i < 200; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i%17)
		want.Write(chunk)
		s.Submit(chunk)
	}
	s.Finish(nil)
	waitClosed(t, s.Done())

	assert.Equal(t, want.Bytes(), k.buf.Bytes())
	assert.False(t, k.overlap.Load(), "writes overlapped")
	for i, seq := range k.seqs {
		require.Equal(t, uint64(i), seq)
	}
	st := s.Status()
	assert.Equal(t, uint64(200), st.Submitted)
	assert.Equal(t, uint64(200), st.Persisted)
	assert.Zero(t, st.Pending)
}

func TestSubmitDoesNotBlockOnSlowStorage(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	s := New("stream", func(c *types.Chunk, persist bool) Result {
		calls.Add(1)
		ch := make(chan error, 1)
		go func() {
			<-gate
			ch <- nil
		}()
		return Result{Persisted: ch}
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Submit([]byte{1})
		}
		close(done)
	}()
	waitClosed(t, done)
	assert.LessOrEqual(t, calls.Load(), int32(1))

	s.Finish(nil)
	notClosed(t, s.Drained())
	close(gate)
	waitClosed(t, s.Done())
	assert.Equal(t, int32(1000), calls.Load())
}

func TestChunksSubmittedWithFinishAreFlushed(t *testing.T) {
	k := &sink{}
	s := New("stream", k.handle)

	s.Submit([]byte("a"))
	s.Submit([]byte("b"))
	s.Submit([]byte("c"))
	s.Finish(errors.New("encoder error"))

	waitClosed(t, s.Drained())
	waitClosed(t, s.Done())
	assert.Equal(t, "abc", k.buf.String())
	assert.EqualError(t, s.Err(), "encoder error")
}

func TestDrainedWaitsForQueueObservedAtStop(t *testing.T) {
	release := make(chan struct{})
	var processed atomic.Int32
	s := New("stream", func(c *types.Chunk, persist bool) Result {
		ch := make(chan error, 1)
		go func() {
			<-release
			processed.Add(1)
			ch <- nil
		}()
		return Result{Persisted: ch}
	})

	for i := 0; i < 5; i++ {
		s.Submit([]byte{byte(i)})
	}
	s.Finish(nil)
	notClosed(t, s.Drained())
	close(release)
	waitClosed(t, s.Drained())
	assert.Equal(t, int32(5), processed.Load())
	waitClosed(t, s.Done())
}

func TestDoneWaitsForForwarded(t *testing.T) {
	uploads := make(chan struct{})
	s := New("stream", func(c *types.Chunk, persist bool) Result {
		return Result{Persisted: Resolved(nil), Forwarded: uploads}
	})

	s.Submit([]byte("x"))
	s.Submit([]byte("y"))
	s.Finish(nil)

	waitClosed(t, s.Drained())
	notClosed(t, s.Done())
	close(uploads)
	waitClosed(t, s.Done())
}

func TestPersistFailureSkipsStorageButForwards(t *testing.T) {
	var mu sync.Mutex
	var persistFlags []bool
	forwarded := 0

	var errCalls atomic.Int32
	s := New("overlay", func(c *types.Chunk, persist bool) Result {
		mu.Lock()
		persistFlags = append(persistFlags, persist)
		forwarded++
		mu.Unlock()

		done := make(chan struct{})
		close(done)
		if !persist {
			return Result{Forwarded: done}
		}
		if c.Seq == 1 {
			return Result{Persisted: Resolved(errors.New("quota exceeded")), Forwarded: done}
		}
		return Result{Persisted: Resolved(nil), Forwarded: done}
	}, WithPersistError(func(title string, err error) {
		assert.Equal(t, "overlay", title)
		errCalls.Add(1)
	}))

	for i := 0; i < 5; i++ {
		s.Submit([]byte{byte(i)})
	}
	s.Finish(nil)
	waitClosed(t, s.Done())

	assert.Equal(t, int32(1), errCalls.Load())
	assert.Equal(t, []bool{true, true, false, false, false}, persistFlags)
	assert.Equal(t, 5, forwarded)
	st := s.Status()
	assert.True(t, st.Failed)
	assert.Equal(t, uint64(1), st.Persisted)
}

func TestSubmitAfterTerminationIsDropped(t *testing.T) {
	k := &sink{}
	var dropped []uint64
	s := New("stream", k.handle, WithDropped(func(c *types.Chunk) {
		dropped = append(dropped, c.Seq)
	}))

	s.Submit([]byte("a"))
	s.Finish(nil)
	waitClosed(t, s.Done())

	s.Submit([]byte("late"))
	assert.Equal(t, []uint64{1}, dropped)
	assert.Equal(t, "a", k.buf.String())
}

func TestSubmitCopiesData(t *testing.T) {
	k := &sink{}
	s := New("stream", k.handle)

	buf := []byte("abc")
	s.Submit(buf)
	copy(buf, "xyz")
	s.Finish(nil)
	waitClosed(t, s.Done())
	assert.Equal(t, "abc", k.buf.String())
}

func TestArrivalTimestamps(t *testing.T) {
	at := time.Date(2025, 12, 21, 12, 34, 56, 0, time.UTC)
	var got time.Time
	s := New("stream", func(c *types.Chunk, persist bool) Result {
		got = c.Timestamp
		return Result{Persisted: Resolved(nil)}
	}, WithClock(func() time.Time { return at }))

	s.Submit([]byte("a"))
	s.Finish(nil)
	waitClosed(t, s.Done())
	assert.Equal(t, at, got)
}
