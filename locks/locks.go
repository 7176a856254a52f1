// Package locks provides the three synchronization primitives shared across
// worker processes: a process-shared mutex, a process-shared read/write
// lock, and an in-process CAS-based atomic spin lock. All three are backed
// by a plain word the caller places wherever is appropriate - typically an
// allocation out of a shmem region, so the word itself is visible to every
// worker sharing that region.
//
// The process-shared mutex and rwlock reproduce the original's signal-mask
// discipline around their critical sections: while held, only a small
// allowlist of signals remains unblocked, to avoid a signal handler
// re-entering a lock-protected structure mid-update from another thread of
// the same process. The allowed set (ALRM, INT, CHLD, PIPE, SEGV, HUP,
// QUIT, TERM, IO, USR1) is taken directly from fast_lock.c and must not be
// changed casually: it is a cross-process robustness measure, not an
// incidental detail.
package locks

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Code enumerates the lock subsystem's error taxonomy.
type Code int

const (
	ErrNone Code = iota
	ErrParam
	ErrAllocator
	ErrSyscallMutexLock
	ErrSyscallMutexTryLock
	ErrSyscallMutexUnlock
	ErrSyscallRWLockRDLock
	ErrSyscallRWLockWRLock
	ErrSyscallRWLockTryWRLock
	ErrSyscallRWLockUnlock
	ErrSyscallSigprocmask
)

func (c Code) Error() string {
	switch c {
	case ErrParam:
		return "locks: parameter error"
	case ErrAllocator:
		return "locks: allocator error"
	case ErrSyscallMutexLock:
		return "locks: mutex lock error"
	case ErrSyscallMutexTryLock:
		return "locks: mutex try lock error"
	case ErrSyscallMutexUnlock:
		return "locks: mutex unlock error"
	case ErrSyscallRWLockRDLock:
		return "locks: rwlock reading lock error"
	case ErrSyscallRWLockWRLock:
		return "locks: rwlock writing lock error"
	case ErrSyscallRWLockTryWRLock:
		return "locks: rwlock writing try lock error"
	case ErrSyscallRWLockUnlock:
		return "locks: rwlock unlock error"
	case ErrSyscallSigprocmask:
		return "locks: sigprocmask error"
	default:
		return "locks: unknown error"
	}
}

// allowedSignals is left unblocked around every process-shared lock's
// critical section; everything else is blocked for the duration.
var allowedSignals = []unix.Signal{
	unix.SIGALRM, unix.SIGINT, unix.SIGCHLD, unix.SIGPIPE, unix.SIGSEGV,
	unix.SIGHUP, unix.SIGQUIT, unix.SIGTERM, unix.SIGIO, unix.SIGUSR1,
}

func blockSignals() (unix.Sigset_t, error) {
	var block unix.Sigset_t
	// sigfillset, then sigdelset each allowed signal.
	for i := range block.Val {
		block.Val[i] = ^uint64(0)
	}
	for _, sig := range allowedSignals {
		word, bit := (sig-1)/64, (sig-1)%64
		block.Val[word] &^= 1 << uint(bit)
	}
	var prev unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &block, &prev); err != nil {
		return prev, &errWrap{Code: ErrSyscallSigprocmask, cause: err}
	}
	return prev, nil
}

func restoreSignals(prev unix.Sigset_t) error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &prev, nil); err != nil {
		return &errWrap{Code: ErrSyscallSigprocmask, cause: err}
	}
	return nil
}

type errWrap struct {
	Code  Code
	cause error
}

func (e *errWrap) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%v: %v", e.Code, e.cause)
	}
	return e.Code.Error()
}

func (e *errWrap) Unwrap() error { return e.Code }

const (
	spinFree  uint32 = 0
	spinHeld  uint32 = 1
)

// ProcessMutex is a process-shared mutual-exclusion lock: a CAS-spin loop
// over a word the caller owns (e.g. a shmem allocation), wrapped by the
// signal-mask discipline.
type ProcessMutex struct {
	state    *uint32
	prevMask unix.Sigset_t
}

// NewProcessMutex wraps state, which must be zeroed (unlocked) by the
// caller before first use and must outlive the ProcessMutex.
func NewProcessMutex(state *uint32) (*ProcessMutex, error) {
	if state == nil {
		return nil, &errWrap{Code: ErrParam}
	}
	return &ProcessMutex{state: state}, nil
}

// Lock blocks non-allowlisted signals, then spins until the word is free.
func (m *ProcessMutex) Lock() error {
	prev, err := blockSignals()
	if err != nil {
		return err
	}
	m.prevMask = prev
	for !atomic.CompareAndSwapUint32(m.state, spinFree, spinHeld) {
		runtime.Gosched()
	}
	return nil
}

// TryLock attempts the lock without blocking; ok is false if already held.
func (m *ProcessMutex) TryLock() (ok bool, err error) {
	prev, err := blockSignals()
	if err != nil {
		return false, err
	}
	if !atomic.CompareAndSwapUint32(m.state, spinFree, spinHeld) {
		if rerr := restoreSignals(prev); rerr != nil {
			return false, rerr
		}
		return false, nil
	}
	m.prevMask = prev
	return true, nil
}

// Unlock releases the lock and restores the caller's signal mask.
func (m *ProcessMutex) Unlock() error {
	if !atomic.CompareAndSwapUint32(m.state, spinHeld, spinFree) {
		return &errWrap{Code: ErrSyscallMutexUnlock, cause: errors.New("unlock of unheld mutex")}
	}
	return restoreSignals(m.prevMask)
}

const (
	rwFree     int32 = 0
	rwWriteBit int32 = -1
)

// ProcessRWLock is a process-shared read/write lock over a shared int32:
// 0 means free, -1 means write-held, N > 0 means N readers.
type ProcessRWLock struct {
	state    *int32
	prevMask unix.Sigset_t
}

func NewProcessRWLock(state *int32) (*ProcessRWLock, error) {
	if state == nil {
		return nil, &errWrap{Code: ErrParam}
	}
	return &ProcessRWLock{state: state}, nil
}

func (l *ProcessRWLock) RLock() error {
	prev, err := blockSignals()
	if err != nil {
		return err
	}
	l.prevMask = prev
	for {
		cur := atomic.LoadInt32(l.state)
		if cur == rwWriteBit {
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapInt32(l.state, cur, cur+1) {
			return nil
		}
	}
}

func (l *ProcessRWLock) RUnlock() error {
	for {
		cur := atomic.LoadInt32(l.state)
		if cur <= 0 {
			return &errWrap{Code: ErrSyscallRWLockUnlock, cause: errors.New("runlock of non-read-locked rwlock")}
		}
		if atomic.CompareAndSwapInt32(l.state, cur, cur-1) {
			return restoreSignals(l.prevMask)
		}
	}
}

func (l *ProcessRWLock) Lock() error {
	prev, err := blockSignals()
	if err != nil {
		return err
	}
	l.prevMask = prev
	for !atomic.CompareAndSwapInt32(l.state, rwFree, rwWriteBit) {
		runtime.Gosched()
	}
	return nil
}

func (l *ProcessRWLock) TryLock() (bool, error) {
	prev, err := blockSignals()
	if err != nil {
		return false, err
	}
	if !atomic.CompareAndSwapInt32(l.state, rwFree, rwWriteBit) {
		return false, restoreSignals(prev)
	}
	l.prevMask = prev
	return true, nil
}

func (l *ProcessRWLock) Unlock() error {
	if !atomic.CompareAndSwapInt32(l.state, rwWriteBit, rwFree) {
		return &errWrap{Code: ErrSyscallRWLockUnlock, cause: errors.New("unlock of non-write-locked rwlock")}
	}
	return restoreSignals(l.prevMask)
}

const (
	atomicOff uint64 = 1
	atomicOn  uint64 = 2
)

// SpinLock is the in-process atomic lock variant: a 64-bit CAS spin lock
// with off/on encoded as 1/2 (matching FAST_LOCK_OFF/FAST_LOCK_ON), so the
// zero value of the backing word is neither state. NewSpinLock stores Off;
// a word left at zero is not reported as an error, and TryOn never
// acquires it.
type SpinLock struct {
	state *uint64
}

// NewSpinLock wraps state and initializes it to Off.
func NewSpinLock(state *uint64) *SpinLock {
	atomic.StoreUint64(state, atomicOff)
	return &SpinLock{state: state}
}

// TryOn attempts to acquire the lock without blocking.
func (l *SpinLock) TryOn() bool {
	return atomic.CompareAndSwapUint64(l.state, atomicOff, atomicOn)
}

// On busy-waits until the lock is acquired.
func (l *SpinLock) On() {
	for !l.TryOn() {
		runtime.Gosched()
	}
}

// Off releases the lock.
func (l *SpinLock) Off() {
	atomic.CompareAndSwapUint64(l.state, atomicOn, atomicOff)
}

// ForceOff unconditionally resets the lock to Off, regardless of current
// state. Used to recover from a holder that died without releasing.
func (l *SpinLock) ForceOff() {
	atomic.StoreUint64(l.state, atomicOff)
}
