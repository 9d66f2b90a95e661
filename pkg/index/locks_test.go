package index

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueLockReadersCoalesce(t *testing.T) {
	l := newQueueLock()
	l.RLock()
	l.RLock()

	done := make(chan struct{})
	go func() {
		l.RLock()
		close(done)
		l.RUnlock()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader blocked with no writer active")
	}
	l.RUnlock()
	l.RUnlock()
}

func TestQueueLockWriterExcludesReaders(t *testing.T) {
	l := newQueueLock()
	l.Lock()

	var got atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			got.Add(1)
			l.RUnlock()
		}()
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), got.Load(), "readers wait behind the writer")

	l.Unlock()
	wg.Wait()
	assert.Equal(t, int32(3), got.Load(), "all queued readers released together")
}

func TestQueueLockWriterNotStarved(t *testing.T) {
	l := newQueueLock()
	l.RLock() // one long-lived reader

	writerDone := make(chan struct{})
	go func() {
		l.Lock()
		close(writerDone)
		l.Unlock()
	}()
	time.Sleep(20 * time.Millisecond) // let the writer queue up

	// A reader arriving behind a queued writer must wait for it.
	lateReaderDone := make(chan struct{})
	go func() {
		l.RLock()
		close(lateReaderDone)
		l.RUnlock()
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-lateReaderDone:
		t.Fatal("late reader jumped a queued writer")
	default:
	}

	l.RUnlock()
	<-writerDone
	<-lateReaderDone
}

func TestQueueLockFIFOWriters(t *testing.T) {
	l := newQueueLock()
	l.Lock()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Unlock()
		}()
		time.Sleep(20 * time.Millisecond) // stable queue order
	}
	l.Unlock()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}
