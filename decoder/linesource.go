package decoder

import (
	"bufio"
	"io"
	"sync"
)

// Scanner buffer sizing: decoder lines are short, but a corrupted stream can
// glue frames together, so allow generous lines before giving up.
const (
	lineScanInitial = 64 * 1024
	lineScanMax     = 1024 * 1024
)

// LineSource asynchronously consumes a child process's stdout into an
// ordered queue. The blocking pipe read lives entirely in its own goroutine
// so the supervisor's timeout logic can never be wedged by a silent child.
// Single producer (the reader goroutine), single consumer (the supervisor).
type LineSource struct {
	r io.ReadCloser

	mu    sync.Mutex
	queue []string
	eof   bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewLineSource wraps the given stream. Start must be called before Drain.
func NewLineSource(r io.ReadCloser) *LineSource {
	return &LineSource{
		r:    r,
		done: make(chan struct{}),
	}
}

// Start launches the background reader.
func (s *LineSource) Start() {
	go s.consume()
}

func (s *LineSource) consume() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, lineScanInitial), lineScanMax)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.queue = append(s.queue, line)
		s.mu.Unlock()
	}
	// Read error or EOF: either way the stream is finished. Stop() closing
	// the pipe lands here too, so errors are expected and not reported.
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

// Drain returns and removes all currently queued lines in arrival order.
// Never blocks; returns nil when nothing is queued.
func (s *LineSource) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.queue
	s.queue = nil
	return lines
}

// AtEnd reports whether the stream has closed and every buffered line has
// been drained.
func (s *LineSource) AtEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof && len(s.queue) == 0
}

// Stop closes the underlying stream, unblocking the reader goroutine.
// Safe to call multiple times.
func (s *LineSource) Stop() {
	s.stopOnce.Do(func() {
		_ = s.r.Close()
	})
}

// Join blocks until the reader goroutine has exited.
func (s *LineSource) Join() {
	<-s.done
}
