package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrContractViolation marks caller bugs rather than runtime conditions.
	ErrContractViolation = errors.New("audio: contract violation")
	// ErrReadExceedsCapacity is returned for reads larger than the ring.
	ErrReadExceedsCapacity = fmt.Errorf("%w: read exceeds ring capacity", ErrContractViolation)
	// ErrClosed is returned by reads on a closed ring.
	ErrClosed = errors.New("audio: ring stream closed")
)

// DefaultPollInterval bounds how long a blocked reader waits before
// re-checking the ring without a write notification.
const DefaultPollInterval = 100 * time.Millisecond

// RingStream is a fixed-capacity circular byte buffer for one writer and one
// reader. Writes never block: when they would overtake unread data the oldest
// bytes are overwritten. Reads block until the full request is available and
// the stream is recording.
//
// head and tail are monotonic byte counters; positions in buf are taken
// modulo the capacity so a full ring is distinguishable from an empty one.
type RingStream struct {
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	poll      time.Duration
	recording atomic.Bool

	mu   sync.Mutex
	buf  []byte
	head int64
	tail int64
}

type RingOption func(*RingStream)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) RingOption {
	return func(s *RingStream) {
		if d > 0 {
			s.poll = d
		}
	}
}

// NewRingStream allocates a ring of capacity bytes. It starts out not
// recording.
func NewRingStream(capacity int, opts ...RingOption) *RingStream {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	s := &RingStream{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		poll:   DefaultPollInterval,
		buf:    make([]byte, capacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write copies p into the ring. It always accepts all of p, regardless of the
// recording state; when len(p) exceeds the capacity only the trailing bytes
// survive.
func (s *RingStream) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	size := int64(len(s.buf))
	src := p
	if int64(len(src)) > size {
		skipped := int64(len(src)) - size
		s.tail += skipped
		src = src[skipped:]
	}
	start := int(s.tail % size)
	copied := copy(s.buf[start:], src)
	if copied < len(src) {
		copy(s.buf, src[copied:])
	}
	s.tail += int64(len(src))
	if s.tail-s.head > size {
		s.head = s.tail - size
	}
	s.mu.Unlock()

	s.notify()
	return n, nil
}

// ReadFull fills p completely. It blocks while fewer than len(p) bytes are
// unread or the stream is not recording, and returns early only when ctx is
// done or the stream is closed.
func (s *RingStream) ReadFull(ctx context.Context, p []byte) error {
	if len(p) > len(s.buf) {
		return fmt.Errorf("%w (%d > %d)", ErrReadExceedsCapacity, len(p), len(s.buf))
	}
	if len(p) == 0 {
		return nil
	}

	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.recording.Load() && s.tryRead(p) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-s.wake:
		case <-timer.C:
		}
		timer.Reset(s.poll)
	}
}

// Read implements io.Reader on top of ReadFull. Requests larger than the ring
// are clamped to its capacity.
func (s *RingStream) Read(p []byte) (int, error) {
	if len(p) > len(s.buf) {
		p = p[:len(s.buf)]
	}
	if err := s.ReadFull(context.Background(), p); err != nil {
		if errors.Is(err, ErrClosed) {
			return 0, io.EOF
		}
		return 0, err
	}
	return len(p), nil
}

func (s *RingStream) tryRead(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail-s.head < int64(len(p)) {
		return false
	}
	start := int(s.head % int64(len(s.buf)))
	copied := copy(p, s.buf[start:])
	if copied < len(p) {
		copy(p[copied:], s.buf[:len(p)-copied])
	}
	s.head += int64(len(p))
	return true
}

func (s *RingStream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartRecording lets blocked readers proceed.
func (s *RingStream) StartRecording() {
	s.recording.Store(true)
	s.notify()
}

// StopRecording gates readers again and clears the ring so that the next
// StartRecording begins from silence.
func (s *RingStream) StopRecording() {
	s.recording.Store(false)
	s.mu.Lock()
	s.head = 0
	s.tail = 0
	clear(s.buf)
	s.mu.Unlock()
}

// Recording reports whether readers are currently allowed to consume data.
func (s *RingStream) Recording() bool {
	return s.recording.Load()
}

// Len returns the number of unread bytes.
func (s *RingStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.tail - s.head)
}

// Cap returns the ring capacity in bytes.
func (s *RingStream) Cap() int {
	return len(s.buf)
}

// Close stops recording, clears the ring and releases blocked readers. It is
// safe to call more than once.
func (s *RingStream) Close() error {
	s.closeOnce.Do(func() {
		s.StopRecording()
		close(s.closed)
	})
	return nil
}
