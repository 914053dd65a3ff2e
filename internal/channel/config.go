package channel

import (
	"errors"
	"os"
	"time"

	"github.com/maniacs-ops/passenger/internal/aio"
	"github.com/maniacs-ops/passenger/internal/eventloop"
	"github.com/maniacs-ops/passenger/internal/mbuf"
)

const (
	// Hard limits of the buffer queue. bytesBuffered is kept in 32
	// bits; nbuffers is capped at 27 bits.
	MaxMemoryBuffering = 4294967295
	MaxBuffers         = 134217727

	DefaultThreshold = 128 * 1024
)

var (
	ErrNoBufferDir = errors.New("buffer dir must not be empty")
	ErrNilLoop     = errors.New("context needs an event loop")
	ErrNilIO       = errors.New("context needs an aio pool")
	ErrNilBufPool  = errors.New("context needs a buffer pool")
)

// FileBufferedConfig is captured at construction and read-only
// afterwards.
type FileBufferedConfig struct {
	// BufferDir is the directory spill files are created in.
	BufferDir string
	// Threshold is the buffered-byte count at which the channel
	// switches from in-memory to in-file buffering.
	Threshold uint32
	// DelayInFileModeSwitching delays spill-file creation. Test hook
	// for observing ordering around the mode switch.
	DelayInFileModeSwitching time.Duration
	// AutoTruncateFile switches back to in-memory mode once the spill
	// file has been drained.
	AutoTruncateFile bool
	// AutoStartMover kicks the writer on every Feed while in in-file
	// mode.
	AutoStartMover bool
}

func DefaultFileBufferedConfig() FileBufferedConfig {
	return FileBufferedConfig{
		BufferDir:        os.TempDir(),
		Threshold:        DefaultThreshold,
		AutoTruncateFile: true,
		AutoStartMover:   true,
	}
}

func (c *FileBufferedConfig) validate() error {
	if c.BufferDir == "" {
		return ErrNoBufferDir
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	return nil
}

// Context bundles the shared collaborators every channel needs: the
// event loop all state machines run on, the async I/O pool, the
// buffer pool read chunks are leased from, and the default channel
// configuration.
type Context struct {
	Loop          *eventloop.Loop
	IO            *aio.Pool
	BufPool       *mbuf.Pool
	DefaultConfig FileBufferedConfig
}

func NewContext(loop *eventloop.Loop, io *aio.Pool, bufPool *mbuf.Pool) (*Context, error) {
	if loop == nil {
		return nil, ErrNilLoop
	}
	if io == nil {
		return nil, ErrNilIO
	}
	if bufPool == nil {
		return nil, ErrNilBufPool
	}
	return &Context{
		Loop:          loop,
		IO:            io,
		BufPool:       bufPool,
		DefaultConfig: DefaultFileBufferedConfig(),
	}, nil
}
