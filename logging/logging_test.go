package logging

import (
	"bytes"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

func TestNewWritesAtOrAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logiface.LevelNotice)

	log.Debug().Log("should be suppressed")
	require.Empty(t, buf.String())

	log.Notice().Log("worker started")
	require.Contains(t, buf.String(), "worker started")
}

func TestNewIncludesErrField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logiface.LevelErr)

	log.Err().Err(errBoom).Log("listen failed")
	require.Contains(t, buf.String(), "listen failed")
	require.Contains(t, buf.String(), errBoom.Error())
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	log.Emerg().Log("must not panic, must not write anywhere visible")
}

func TestDefaultDoesNotPanic(t *testing.T) {
	log := Default()
	require.NotNil(t, log)
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
