package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// asyncWriter moves log lines off the caller goroutine and fans them out to sinks.
// A nil entry on the queue is a flush barrier.
type asyncWriter struct {
	queue chan []byte
	acks  chan error
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	sinks []*bufio.Writer
	err   error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &asyncWriter{
		queue: make(chan []byte, 256),
		acks:  make(chan error),
		done:  make(chan struct{}),
	}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for line := range w.queue {
		if line == nil {
			w.acks <- w.flush()
			continue
		}
		w.write(line)
	}
	w.flush()
}

// Write copies p and queues it, blocking only when the queue is full.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.failure(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.queue <- append([]byte(nil), p...)
	return nil
}

// Flush waits until every queued line has reached the sinks.
func (w *asyncWriter) Flush() error {
	select {
	case <-w.done:
		return w.failure()
	default:
	}
	w.queue <- nil
	return <-w.acks
}

// Close drains the queue and reports the first write error.
func (w *asyncWriter) Close() error {
	w.once.Do(func() { close(w.queue) })
	<-w.done
	return w.failure()
}

func (w *asyncWriter) write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sinks {
		if _, err := s.Write(p); err != nil && w.err == nil {
			w.err = err
		}
		if err := s.Flush(); err != nil && w.err == nil {
			w.err = err
		}
	}
}

func (w *asyncWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
