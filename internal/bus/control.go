package bus

import "time"

// Heartbeat is the periodic liveness report a poll loop sends its supervisor.
type Heartbeat struct {
	OK        bool
	NConsumed int
	Runtime   time.Duration
}

// ControlPipe is the bidirectional channel pair between a poll loop and its
// supervisor: heartbeats flow out, a die request flows in.
type ControlPipe struct {
	hb  chan Heartbeat
	die chan struct{}
}

// NewControlPipe creates a control pipe. The heartbeat channel is buffered so
// a slow supervisor never blocks the loop.
func NewControlPipe() *ControlPipe {
	return &ControlPipe{
		hb:  make(chan Heartbeat, 16),
		die: make(chan struct{}, 1),
	}
}

// Heartbeats is the supervisor's receive side.
func (p *ControlPipe) Heartbeats() <-chan Heartbeat {
	return p.hb
}

// Die asks the loop to exit at its next iteration boundary. Safe to call more
// than once.
func (p *ControlPipe) Die() {
	select {
	case p.die <- struct{}{}:
	default:
	}
}

// sendHeartbeat never blocks; a full channel drops the beat.
func (p *ControlPipe) sendHeartbeat(hb Heartbeat) {
	select {
	case p.hb <- hb:
	default:
	}
}

// DieRequested reports whether a die request is pending, consuming it.
func (p *ControlPipe) DieRequested() bool {
	select {
	case <-p.die:
		return true
	default:
		return false
	}
}
