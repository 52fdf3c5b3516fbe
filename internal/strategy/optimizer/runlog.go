package optimizer

import "sync"

// DefaultRunLogSize 默认保留的运行记录条数
const DefaultRunLogSize = 100

// RunLog 最近运行记录，超出容量时淘汰最旧的一条
type RunLog struct {
	mu    sync.RWMutex
	size  int
	order []string
	runs  map[string]*Run
}

// NewRunLog creates a run log holding at most size runs.
func NewRunLog(size int) *RunLog {
	if size <= 0 {
		size = DefaultRunLogSize
	}
	return &RunLog{
		size: size,
		runs: make(map[string]*Run, size),
	}
}

// Add records a finished run.
func (l *RunLog) Add(run *Run) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.runs[run.RunID]; !exists {
		l.order = append(l.order, run.RunID)
	}
	l.runs[run.RunID] = run
	for len(l.order) > l.size {
		delete(l.runs, l.order[0])
		l.order = l.order[1:]
	}
}

// Get returns a run by id.
func (l *RunLog) Get(id string) (*Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[id]
	return run, ok
}

// List 按时间倒序返回最多 limit 条记录，limit <= 0 返回全部
func (l *RunLog) List(limit int) []*Run {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Run, 0, n)
	for i := len(l.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.runs[l.order[i]])
	}
	return out
}

// Len returns the number of stored runs.
func (l *RunLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
