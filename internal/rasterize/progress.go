package rasterize

import (
	"math"
	"sync"
)

// ProgressEvent reports how far a Rasterize call has come.
type ProgressEvent struct {
	// Min is the first page index of the range.
	Min int `json:"min"`
	// Max is the resolved exclusive end of the range.
	Max int `json:"max"`
	// Step is the number of milestones still outstanding.
	Step int `json:"step"`
	// Value is the completed percentage, 0 to 100.
	Value float64 `json:"value"`
}

// milestonesPerPage counts the progress notifications emitted per page:
// one after the page object is fetched, one after it has rendered.
const milestonesPerPage = 2

// progressTracker turns milestones into ProgressEvents and hands them to a
// dispatcher goroutine so listeners never run on the rendering goroutine.
type progressTracker struct {
	listener  func(ProgressEvent)
	events    chan ProgressEvent
	done      chan struct{}
	mu        sync.Mutex
	position  int
	total     int
	start     int
	end       int
	precision int
}

func newProgressTracker(opts Options, length int) *progressTracker {
	total := length * milestonesPerPage
	tracker := &progressTracker{
		listener:  opts.OnProgress,
		events:    make(chan ProgressEvent, total),
		done:      make(chan struct{}),
		mu:        sync.Mutex{},
		position:  0,
		total:     total,
		start:     opts.Start,
		end:       opts.End,
		precision: opts.Precision,
	}

	go tracker.dispatch()

	return tracker
}

// milestone advances the position and queues the matching event. The
// channel holds every possible event, so this never blocks.
func (tracker *progressTracker) milestone() {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	if tracker.position >= tracker.total {
		return
	}

	tracker.position++
	step := tracker.total - tracker.position
	tracker.events <- ProgressEvent{
		Min:   tracker.start,
		Max:   tracker.end,
		Step:  step,
		Value: calculateProgress(tracker.total, step, tracker.precision),
	}
}

func (tracker *progressTracker) dispatch() {
	defer close(tracker.done)

	for event := range tracker.events {
		if tracker.listener != nil {
			tracker.listener(event)
		}
	}
}

// close stops accepting milestones and waits until every queued event has
// been delivered.
func (tracker *progressTracker) close() {
	tracker.mu.Lock()
	close(tracker.events)
	tracker.position = tracker.total
	tracker.mu.Unlock()

	<-tracker.done
}

// calculateProgress returns (total-remaining)/total as a percentage rounded
// to the given number of decimals.
func calculateProgress(total, remaining, decimals int) float64 {
	if total <= 0 {
		return 0
	}

	value := float64(total-remaining) / float64(total) * 100
	factor := math.Pow(10, float64(decimals))

	return math.Round(value*factor) / factor
}
