package syncagent

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

const monitorWindow = 20

// Monitor keeps flush stats.
type Monitor struct {
	sync.Mutex
	flushDur *movingaverage.MovingAverage
	flushes  int
	failures int
	synced   int
}

type MonitorSnapshot struct {
	Flushes        int     `json:"flushes"`
	Failures       int     `json:"failures"`
	Synced         int     `json:"synced"`
	AvgFlushMillis float64 `json:"avgFlushMillis"`
}

func NewMonitor() *Monitor {
	return &Monitor{flushDur: movingaverage.New(monitorWindow)}
}

func (m *Monitor) FlushCompleted(synced int, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.flushes++
	m.synced += synced
	m.flushDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

func (m *Monitor) FlushFailed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.flushes++
	m.failures++
	m.flushDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

func (m *Monitor) Snapshot() MonitorSnapshot {
	m.Lock()
	defer m.Unlock()

	snap := MonitorSnapshot{Flushes: m.flushes, Failures: m.failures, Synced: m.synced}
	if m.flushes > 0 {
		snap.AvgFlushMillis = m.flushDur.Avg()
	}
	return snap
}
