package telemetry

import (
	"bufio"
	"io"
	"sync"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

// Reader moves lines from a Source into a Queue on its own goroutine.
//
// Stop and Done are separate signals: Stop only asks the source to end,
// Done closes once the source is gone and its buffered output is queued.
type Reader struct {
	source Source
	queue  *Queue
	logger logger.Logger

	stopOnce  sync.Once
	stop      chan struct{}
	startOnce sync.Once
	done      chan struct{}
	err       error
}

func NewReader(source Source, queue *Queue, log logger.Logger) *Reader {
	return &Reader{
		source: source,
		queue:  queue,
		logger: log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the source and the reading goroutine. If the source cannot
// start, Done is closed immediately and the error is also reported by Err.
func (r *Reader) Start() error {
	var err error = errors.New().New(ErrSourceRunning)

	r.startOnce.Do(func() {
		var out io.Reader
		out, err = r.source.Start()
		if err != nil {
			r.err = err
			close(r.done)
			return
		}

		r.logger.Info().Str("source", r.source.Name()).Msg("Telemetry reader started")
		go r.watch()
		go r.run(out)
	})

	return err
}

// Stop requests shutdown. It does not wait; use Done for that.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Stopping is closed once Stop has been called.
func (r *Reader) Stopping() <-chan struct{} {
	return r.stop
}

// Done is closed after the source has ended and all of its output is queued.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Err reports why the source ended. Only meaningful after Done is closed.
func (r *Reader) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Reader) watch() {
	select {
	case <-r.stop:
		r.logger.Info().Str("source", r.source.Name()).Msg("Stopping telemetry source")
		if err := r.source.Stop(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to stop telemetry source")
		}
	case <-r.done:
	}
}

func (r *Reader) run(out io.Reader) {
	errFactory := errors.New()

	// Scanning continues after Stop until EOF so output already written by
	// the source still reaches the queue.
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		r.queue.Push(scanner.Text())
	}

	var scanErr error
	if err := scanner.Err(); err != nil {
		scanErr = errFactory.Wrap(ErrReadFailed, err)
		// unblock a source still writing into the stream
		if c, ok := out.(io.Closer); ok {
			c.Close()
		}
		if err := r.source.Stop(); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to stop telemetry source")
		}
	}

	// EOF without a stop request means the source died on its own.
	select {
	case <-r.stop:
	default:
		r.logger.Warn().Str("source", r.source.Name()).Msg("Telemetry source exited")
	}

	waitErr := r.source.Wait()
	r.err = errors.Join(scanErr, waitErr)

	r.logger.Info().Str("source", r.source.Name()).Msg("Telemetry reader finished")
	close(r.done)
}
