package telemetry

import "sync/atomic"

// Queue is a bounded FIFO of raw telemetry lines between one producer and
// one consumer. When full, the oldest line is dropped to make room.
type Queue struct {
	lines   chan string
	dropped atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{lines: make(chan string, size)}
}

// Push never blocks.
func (q *Queue) Push(line string) {
	for {
		select {
		case q.lines <- line:
			return
		default:
		}

		select {
		case <-q.lines:
			q.dropped.Add(1)
		default:
		}
	}
}

// Drain returns everything queued so far, oldest first, without waiting.
func (q *Queue) Drain() []string {
	var lines []string
	for {
		select {
		case line := <-q.lines:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

func (q *Queue) Len() int {
	return len(q.lines)
}

// Dropped counts lines discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
