package httpapi

import (
	"sync"
	"time"

	"tokenrelay/internal/domain"
)

// Metrics collects relayer counters. It satisfies the dispatcher, orchestrator,
// watcher and kafka consumer observer interfaces.
type Metrics struct {
	mu             sync.RWMutex
	startTime      time.Time
	eventsReceived uint64
	eventsRejected uint64
	runsStarted    uint64
	runsInFlight   int64
	outcomes       map[domain.Phase]uint64
	stepFailures   map[string]uint64
	latestBlock    uint64
	lastProcessed  uint64
	lastBatchCount int
	locksSeen      uint64

	kafkaMessages   uint64
	kafkaDecodeErrs uint64
	kafkaCommitErrs uint64
	kafkaFetchErrs  uint64
	kafkaLastOffset int64
	kafkaLastLag    time.Duration
	kafkaMaxLag     time.Duration
	kafkaTopicCount map[string]uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime:       time.Now(),
		outcomes:        make(map[domain.Phase]uint64),
		stepFailures:    make(map[string]uint64),
		kafkaTopicCount: make(map[string]uint64),
	}
}

func (m *Metrics) OnEventReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsReceived++
}

func (m *Metrics) OnEventRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsRejected++
}

func (m *Metrics) OnRunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsStarted++
	m.runsInFlight++
}

func (m *Metrics) OnRunFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runsInFlight > 0 {
		m.runsInFlight--
	}
}

func (m *Metrics) OnStepFailed(step domain.Step, kind domain.ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepFailures[failureKey(step, kind)]++
}

func (m *Metrics) OnOutcome(outcome domain.MigrationOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome.Phase]++
}

func (m *Metrics) OnLatestBlock(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestBlock = block
}

func (m *Metrics) OnBatchProcessed(fromBlock, toBlock uint64, lockCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProcessed = toBlock
	m.lastBatchCount = lockCount
	m.locksSeen += uint64(lockCount)
}

func (m *Metrics) ObserveKafkaMessage(topic string, partition int, offset int64, bytes int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kafkaMessages++
	m.kafkaLastOffset = offset
	if !ts.IsZero() {
		m.kafkaLastLag = time.Since(ts)
		if m.kafkaLastLag > m.kafkaMaxLag {
			m.kafkaMaxLag = m.kafkaLastLag
		}
	}
	if topic != "" {
		m.kafkaTopicCount[topic]++
	}
}

func (m *Metrics) IncKafkaDecodeErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kafkaDecodeErrs++
}

func (m *Metrics) IncKafkaCommitErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kafkaCommitErrs++
}

func (m *Metrics) IncKafkaFetchErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kafkaFetchErrs++
}

type Snapshot struct {
	StartTime       time.Time
	EventsReceived  uint64
	EventsRejected  uint64
	RunsStarted     uint64
	RunsInFlight    int64
	Outcomes        map[domain.Phase]uint64
	StepFailures    map[string]uint64
	LatestBlock     uint64
	LastProcessed   uint64
	LastBatchCount  int
	LocksSeen       uint64
	KafkaMessages   uint64
	KafkaDecodeErrs uint64
	KafkaCommitErrs uint64
	KafkaFetchErrs  uint64
	KafkaLastOffset int64
	KafkaLastLag    time.Duration
	KafkaMaxLag     time.Duration
	KafkaTopicCount map[string]uint64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartTime:       m.startTime,
		EventsReceived:  m.eventsReceived,
		EventsRejected:  m.eventsRejected,
		RunsStarted:     m.runsStarted,
		RunsInFlight:    m.runsInFlight,
		Outcomes:        copyCounts(m.outcomes),
		StepFailures:    copyCounts(m.stepFailures),
		LatestBlock:     m.latestBlock,
		LastProcessed:   m.lastProcessed,
		LastBatchCount:  m.lastBatchCount,
		LocksSeen:       m.locksSeen,
		KafkaMessages:   m.kafkaMessages,
		KafkaDecodeErrs: m.kafkaDecodeErrs,
		KafkaCommitErrs: m.kafkaCommitErrs,
		KafkaFetchErrs:  m.kafkaFetchErrs,
		KafkaLastOffset: m.kafkaLastOffset,
		KafkaLastLag:    m.kafkaLastLag,
		KafkaMaxLag:     m.kafkaMaxLag,
		KafkaTopicCount: copyCounts(m.kafkaTopicCount),
	}
}

func failureKey(step domain.Step, kind domain.ErrorKind) string {
	return string(step) + "/" + string(kind)
}

func copyCounts[K comparable](source map[K]uint64) map[K]uint64 {
	clone := make(map[K]uint64, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}
