package replication

import (
	"sync"
)

// Progress is the pending result of an operation replicated by this member.
type Progress struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newProgress() *Progress {
	return &Progress{done: make(chan struct{})}
}

// Done is closed once the result is known.
func (p *Progress) Done() <-chan struct{} {
	return p.done
}

func (p *Progress) Result() (interface{}, error) {
	<-p.done
	return p.result, p.err
}

func (p *Progress) complete(result interface{}, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// ProgressTracker connects operations replicated by this member to their
// results on the apply side.
type ProgressTracker struct {
	mu      sync.Mutex
	session GlobalSession
	tracked map[LocalOperationID]*Progress
}

func NewProgressTracker(session GlobalSession) *ProgressTracker {
	return &ProgressTracker{session: session, tracked: make(map[LocalOperationID]*Progress)}
}

func (t *ProgressTracker) Start(op DistributedOperation) *Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := newProgress()
	t.tracked[op.OperationID] = p
	return p
}

// TrackResult completes the progress of op. Operations of other global
// sessions and untracked operations are ignored.
func (t *ProgressTracker) TrackResult(op DistributedOperation, result interface{}, err error) {
	if op.Session != t.session {
		return
	}
	t.mu.Lock()
	p, ok := t.tracked[op.OperationID]
	delete(t.tracked, op.OperationID)
	t.mu.Unlock()
	if ok {
		p.complete(result, err)
	}
}

func (t *ProgressTracker) Abort(op DistributedOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, op.OperationID)
}

// InProgress returns the number of operations awaiting a result.
func (t *ProgressTracker) InProgress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}
