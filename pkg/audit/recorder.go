// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/stacklok/mcpgate/pkg/logger"
)

// tailCapacity bounds the in-memory ring consulted by the management
// events_tail surface.
const tailCapacity = 256

// Recorder writes audit events to a sink through a bounded queue. When the
// queue is full the oldest queued event is dropped and counted, so a slow
// sink cannot grow memory without bound or block the request path.
type Recorder struct {
	sink    io.WriteCloser
	queue   chan *Event
	dropped atomic.Uint64

	tailMu  sync.Mutex
	tail    []*Event
	tailPos int

	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// NewRecorder starts a recorder draining into sink. queueSize bounds the
// number of events buffered between Emit and the sink writer.
func NewRecorder(sink io.WriteCloser, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		sink:     sink,
		queue:    make(chan *Event, queueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go r.drain()
	return r
}

// Emit enqueues one event. Never blocks: on a full queue the oldest event is
// dropped in its favor.
func (r *Recorder) Emit(event *Event) {
	if event == nil {
		return
	}
	r.recordTail(event)
	for {
		select {
		case r.queue <- event:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-r.queue:
			r.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events dropped due to queue overflow.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Tail returns up to max recent events, newest last. A max of zero or less
// returns the whole ring.
func (r *Recorder) Tail(max int) []*Event {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()

	n := len(r.tail)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*Event, 0, n)
	// Ring order: oldest entry is at tailPos once the ring has wrapped.
	start := len(r.tail) - n
	for i := start; i < len(r.tail); i++ {
		out = append(out, r.tail[(r.tailPos+i)%len(r.tail)])
	}
	return out
}

func (r *Recorder) recordTail(event *Event) {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()
	if len(r.tail) < tailCapacity {
		r.tail = append(r.tail, event)
		return
	}
	r.tail[r.tailPos] = event
	r.tailPos = (r.tailPos + 1) % tailCapacity
}

// drain writes queued events to the sink until Close.
func (r *Recorder) drain() {
	defer close(r.finished)
	for {
		select {
		case event := <-r.queue:
			r.write(event)
		case <-r.done:
			// Flush whatever is still queued.
			for {
				select {
				case event := <-r.queue:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorw("failed to marshal audit event", "error", err, "type", event.Type)
		return
	}
	data = append(data, '\n')
	if _, err := r.sink.Write(data); err != nil {
		logger.Errorw("failed to write audit event", "error", err)
	}
}

// Close stops the writer, flushes the queue, and closes the sink.
// Idempotent.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		<-r.finished
		err = r.sink.Close()
	})
	return err
}
