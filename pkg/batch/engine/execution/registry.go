package execution

import (
	"sync"
	"sync/atomic"
)

// activeRun is the in-process handle of a running job key.
type activeRun struct {
	stop atomic.Bool
	lost atomic.Bool
	// session is set once the IP entry exists.
	session atomic.Value
}

// loseLease stops the run and marks its IP entry as finalized elsewhere.
func (r *activeRun) loseLease() {
	r.lost.Store(true)
	r.stop.Store(true)
}

// leaseLost reports whether another worker finalized the IP entry of the run.
func (r *activeRun) leaseLost() bool {
	return r.lost.Load()
}

func (r *activeRun) setSession(sessionID string) {
	r.session.Store(sessionID)
}

func (r *activeRun) sessionID() string {
	s, _ := r.session.Load().(string)
	return s
}

// Stopped reports whether a STOP request reached the run.
func (r *activeRun) Stopped() bool {
	return r.stop.Load()
}

// runRegistry is the job-key mutex of one engine. It also carries the stop flag of every
// running job so STOP requests can reach it.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*activeRun)}
}

// acquire reserves jobKey. It returns false when the key is already held.
func (r *runRegistry) acquire(jobKey string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.runs[jobKey]; held {
		return nil, false
	}
	run := &activeRun{}
	r.runs[jobKey] = run
	return run, true
}

func (r *runRegistry) release(jobKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, jobKey)
}

// requestStop raises the stop flag of jobKey and reports whether the job runs here.
func (r *runRegistry) requestStop(jobKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[jobKey]
	if !ok {
		return false
	}
	run.stop.Store(true)
	return true
}

// sessions returns the runs that reached IP, keyed by session id.
func (r *runRegistry) sessions() map[string]*activeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string]*activeRun, len(r.runs))
	for _, run := range r.runs {
		if id := run.sessionID(); id != "" {
			result[id] = run
		}
	}
	return result
}

// keys returns the running job keys.
func (r *runRegistry) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.runs))
	for k := range r.runs {
		keys = append(keys, k)
	}
	return keys
}
