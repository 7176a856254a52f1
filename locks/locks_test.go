package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinLockTryOnOnOff(t *testing.T) {
	var state uint64
	l := NewSpinLock(&state)

	require.True(t, l.TryOn())
	require.False(t, l.TryOn())
	l.Off()
	require.True(t, l.TryOn())
	l.Off()
}

func TestSpinLockForceOff(t *testing.T) {
	var state uint64
	l := NewSpinLock(&state)
	require.True(t, l.TryOn())
	l.ForceOff()
	require.True(t, l.TryOn())
}

func TestSpinLockOnBlocksUntilReleased(t *testing.T) {
	var state uint64
	l := NewSpinLock(&state)
	l.On()

	released := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		l.On()
		close(acquired)
	}()
	go func() {
		l.Off()
		close(released)
	}()

	<-released
	<-acquired
}

func TestProcessMutexLockUnlock(t *testing.T) {
	var state uint32
	m, err := NewProcessMutex(&state)
	require.NoError(t, err)

	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())

	ok, err := m.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Unlock())
}

func TestProcessMutexTryLockFailsWhenHeld(t *testing.T) {
	var state uint32
	m, err := NewProcessMutex(&state)
	require.NoError(t, err)

	require.NoError(t, m.Lock())

	var wg sync.WaitGroup
	wg.Add(1)
	var ok bool
	go func() {
		defer wg.Done()
		// a fresh handle over the same word, as a second worker would have.
		other, err := NewProcessMutex(&state)
		require.NoError(t, err)
		ok, err = other.TryLock()
		require.NoError(t, err)
	}()
	wg.Wait()
	require.False(t, ok)

	require.NoError(t, m.Unlock())
}

func TestProcessMutexRejectsNilState(t *testing.T) {
	_, err := NewProcessMutex(nil)
	require.Error(t, err)
}

func TestProcessMutexUnlockOfUnheldFails(t *testing.T) {
	var state uint32
	m, err := NewProcessMutex(&state)
	require.NoError(t, err)
	err = m.Unlock()
	require.Error(t, err)
}

func TestProcessRWLockReadersConcurrent(t *testing.T) {
	var state int32
	l, err := NewProcessRWLock(&state)
	require.NoError(t, err)

	require.NoError(t, l.RLock())
	require.NoError(t, l.RLock())
	require.NoError(t, l.RUnlock())
	require.NoError(t, l.RUnlock())
}

func TestProcessRWLockWriteExcludesOtherWriters(t *testing.T) {
	var state int32
	l, err := NewProcessRWLock(&state)
	require.NoError(t, err)

	require.NoError(t, l.Lock())

	ok, err := l.TryLock()
	require.False(t, ok)
	_ = err

	require.NoError(t, l.Unlock())
}

func TestProcessRWLockRUnlockOfUnlockedFails(t *testing.T) {
	var state int32
	l, err := NewProcessRWLock(&state)
	require.NoError(t, err)
	require.Error(t, l.RUnlock())
}
