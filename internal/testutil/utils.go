package testutil

import (
	"bytes"
	"log"
	"os"
	"sync"
	"testing"
)

// TestLogger returns a logger for components under test. Output goes to
// stdout and is sent back to stderr once the test ends, since server and
// client goroutines may still log during cleanup.
func TestLogger(t testing.TB) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// LogBuffer collects log output and is safe to read while other goroutines
// are still writing.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CaptureLogger returns a logger whose output can be asserted on.
func CaptureLogger(t testing.TB) (*log.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	logger := TestLogger(t)
	logger.SetOutput(buf)
	return logger, buf
}
