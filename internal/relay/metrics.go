package relay

import "sync/atomic"

// Counters are process-wide hub metrics. Updated with atomics from any
// goroutine, read without locks by the health endpoint.
type Counters struct {
	EventsIngested  atomic.Int64
	EventsDropped   atomic.Int64 // viewer queue overflow drops
	FramesRejected  atomic.Int64 // malformed or unknown-type frames
	ViewerResyncs   atomic.Int64
	RunnerOverflows atomic.Int64 // runner send queue overflow closes
	SessionsStarted atomic.Int64
	SessionsEnded   atomic.Int64
	TerminalsOpened atomic.Int64
}

// Snapshot returns the current counter values for the health endpoint.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"eventsIngested":  c.EventsIngested.Load(),
		"eventsDropped":   c.EventsDropped.Load(),
		"framesRejected":  c.FramesRejected.Load(),
		"viewerResyncs":   c.ViewerResyncs.Load(),
		"runnerOverflows": c.RunnerOverflows.Load(),
		"sessionsStarted": c.SessionsStarted.Load(),
		"sessionsEnded":   c.SessionsEnded.Load(),
		"terminalsOpened": c.TerminalsOpened.Load(),
	}
}
