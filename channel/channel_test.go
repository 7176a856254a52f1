package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPairFDReturnsDistinctEndpoints(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NotEqual(t, p.FD(0), p.FD(1))
}

func TestWriteReadRoundTripWithoutFD(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	sent := &Message{Command: CmdClose, PID: 4242, Slot: 7}
	ok, err := Write(p.FD(0), sent)
	require.NoError(t, err)
	require.True(t, ok)

	var got Message
	ok, err = Read(p.FD(1), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CmdClose, got.Command)
	require.EqualValues(t, 4242, got.PID)
	require.EqualValues(t, 7, got.Slot)
	require.Zero(t, got.FD, "FD is only populated for CmdOpen")
}

// TestWriteReadRoundTripWithFD exercises the SCM_RIGHTS path: a CmdOpen
// message carries a real fd, and the receiver's duplicated fd refers to the
// same underlying pipe as the one that was sent.
func TestWriteReadRoundTripWithFD(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pipeFDs [2]int
	require.NoError(t, unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC))
	readFD, writeFD := pipeFDs[0], pipeFDs[1]
	defer unix.Close(writeFD)

	sent := &Message{Command: CmdOpen, PID: 99, Slot: 3, FD: readFD}
	ok, err := Write(p.FD(0), sent)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, unix.Close(readFD), "the sender's copy is no longer needed once passed")

	var got Message
	ok, err = Read(p.FD(1), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CmdOpen, got.Command)
	require.NotEqual(t, 0, got.FD)
	defer unix.Close(got.FD)

	payload := []byte("through the duped fd")
	_, err = unix.Write(writeFD, payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := unix.Read(got.FD, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestReadReportsShortReadOnPartialPayload(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	_, err = unix.Write(p.FD(0), []byte{1, 2, 3})
	require.NoError(t, err)

	var got Message
	ok, err := Read(p.FD(1), &got)
	require.ErrorIs(t, err, ErrShortRead)
	require.False(t, ok)
}

func TestReadReportsNotOkOnEAGAINWhenNothingPending(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var got Message
	ok, err := Read(p.FD(1), &got)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestReadRejectsMalformedControlMessageOnCmdOpen writes a raw CmdOpen
// payload with no accompanying SCM_RIGHTS data, bypassing Write so the
// ancillary record is genuinely absent rather than merely unread.
func TestReadRejectsMalformedControlMessageOnCmdOpen(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	payload := (&Message{Command: CmdOpen, PID: 1, Slot: 1}).marshal()
	_, err = unix.Write(p.FD(0), payload)
	require.NoError(t, err)

	var got Message
	ok, err := Read(p.FD(1), &got)
	require.ErrorIs(t, err, ErrBadControlMessage)
	require.False(t, ok)
}
