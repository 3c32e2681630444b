package application

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokenrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	events []domain.LockEvent
	err    error
}

func (s sliceSource) Subscribe(ctx context.Context, handle LockHandler) error {
	for _, event := range s.events {
		if err := handle(ctx, event); err != nil {
			return err
		}
	}
	return s.err
}

type trackingProcessor struct {
	mu        sync.Mutex
	requests  []domain.MigrationRequest
	hold      time.Duration
	active    map[string]int
	maxActive map[string]int
	total     int32
	maxTotal  int32
}

func newTrackingProcessor(hold time.Duration) *trackingProcessor {
	return &trackingProcessor{hold: hold, active: map[string]int{}, maxActive: map[string]int{}}
}

func (p *trackingProcessor) Process(ctx context.Context, req domain.MigrationRequest) domain.MigrationOutcome {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.active[req.DestinationAccount]++
	if p.active[req.DestinationAccount] > p.maxActive[req.DestinationAccount] {
		p.maxActive[req.DestinationAccount] = p.active[req.DestinationAccount]
	}
	p.mu.Unlock()
	current := atomic.AddInt32(&p.total, 1)
	for {
		seen := atomic.LoadInt32(&p.maxTotal)
		if current <= seen || atomic.CompareAndSwapInt32(&p.maxTotal, seen, current) {
			break
		}
	}

	time.Sleep(p.hold)

	atomic.AddInt32(&p.total, -1)
	p.mu.Lock()
	p.active[req.DestinationAccount]--
	p.mu.Unlock()
	return domain.MigrationOutcome{Request: req, Phase: domain.PhaseCompleted}
}

type dispatchCounter struct {
	received, rejected, started, finished int32
}

func (c *dispatchCounter) OnEventReceived() { atomic.AddInt32(&c.received, 1) }
func (c *dispatchCounter) OnEventRejected() { atomic.AddInt32(&c.rejected, 1) }
func (c *dispatchCounter) OnRunStarted()    { atomic.AddInt32(&c.started, 1) }
func (c *dispatchCounter) OnRunFinished()   { atomic.AddInt32(&c.finished, 1) }

func lockEvent(txHash string, destination string, amount int64) domain.LockEvent {
	return domain.LockEvent{
		Amount:             big.NewInt(amount),
		SourceAccount:      "0xsource",
		DestinationAccount: destination,
		TxHash:             txHash,
	}
}

func TestDispatcherRunsOneProcessPerEvent(t *testing.T) {
	processor := newTrackingProcessor(0)
	counter := &dispatchCounter{}
	dispatcher, err := NewDispatcher(processor, nil, counter, DispatcherConfig{})
	require.NoError(t, err)

	err = dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{
		lockEvent("0x1", "B", 100),
		lockEvent("0x2", "C", 0),
		lockEvent("0x3", "D", 7),
		lockEvent("0x1", "B", 100),
	}})
	require.NoError(t, err)

	assert.Len(t, processor.requests, 3)
	assert.Equal(t, int32(4), counter.received)
	assert.Equal(t, int32(1), counter.rejected)
	assert.Equal(t, int32(3), counter.started)
	assert.Equal(t, int32(3), counter.finished)
}

func TestDispatcherStartsRunsForRefundableLocks(t *testing.T) {
	processor := newTrackingProcessor(0)
	counter := &dispatchCounter{}
	dispatcher, err := NewDispatcher(processor, nil, counter, DispatcherConfig{})
	require.NoError(t, err)

	oversized := lockEvent("0x1", "B", 1)
	oversized.Amount = new(big.Int).Lsh(big.NewInt(1), 64)
	require.NoError(t, dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{
		oversized,
		lockEvent("0x2", " ", 5),
	}}))

	require.Len(t, processor.requests, 2)
	assert.Equal(t, int32(0), counter.rejected)
	for _, req := range processor.requests {
		assert.Error(t, req.Unmintable)
		assert.Equal(t, "0xsource", req.SourceAccount)
	}
}

func TestDispatcherDoesNotDeduplicate(t *testing.T) {
	processor := newTrackingProcessor(0)
	dispatcher, err := NewDispatcher(processor, nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	event := lockEvent("0xaa", "B", 1)
	require.NoError(t, dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{event, event}}))

	require.Len(t, processor.requests, 2)
	assert.Equal(t, processor.requests[0].ID, processor.requests[1].ID)
}

func TestDispatcherConcurrentWithoutSerialization(t *testing.T) {
	processor := newTrackingProcessor(50 * time.Millisecond)
	dispatcher, err := NewDispatcher(processor, nil, nil, DispatcherConfig{SerializeByAccount: false})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{
		lockEvent("0x1", "B", 1),
		lockEvent("0x2", "B", 1),
		lockEvent("0x3", "B", 1),
	}}))

	assert.Greater(t, processor.maxActive["B"], 1)
}

func TestDispatcherSerializesByDestinationAccount(t *testing.T) {
	processor := newTrackingProcessor(20 * time.Millisecond)
	dispatcher, err := NewDispatcher(processor, nil, nil, DispatcherConfig{SerializeByAccount: true})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{
		lockEvent("0x1", "B", 1),
		lockEvent("0x2", "B", 1),
		lockEvent("0x3", "C", 1),
		lockEvent("0x4", "C", 1),
	}}))

	assert.Len(t, processor.requests, 4)
	assert.Equal(t, 1, processor.maxActive["B"])
	assert.Equal(t, 1, processor.maxActive["C"])
	assert.LessOrEqual(t, processor.maxTotal, int32(2))
}

type failingLocker struct{}

func (failingLocker) Lock(ctx context.Context, key string) (func(), error) {
	return nil, errors.New("redis unavailable")
}

func TestDispatcherRunsUnserializedWhenLockFails(t *testing.T) {
	processor := newTrackingProcessor(0)
	dispatcher, err := NewDispatcher(processor, failingLocker{}, nil, DispatcherConfig{SerializeByAccount: true})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Run(context.Background(), sliceSource{events: []domain.LockEvent{lockEvent("0x1", "B", 1)}}))
	assert.Len(t, processor.requests, 1)
}

func TestDispatcherWaitsForInFlightRunsOnSourceError(t *testing.T) {
	processor := newTrackingProcessor(30 * time.Millisecond)
	dispatcher, err := NewDispatcher(processor, nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	sourceErr := errors.New("subscription dropped")
	err = dispatcher.Run(context.Background(), sliceSource{
		events: []domain.LockEvent{lockEvent("0x1", "B", 1)},
		err:    sourceErr,
	})

	assert.ErrorIs(t, err, sourceErr)
	assert.Len(t, processor.requests, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&processor.total))
}

func TestKeyedLocker(t *testing.T) {
	locker := NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), "B")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "B")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locker.Lock(context.Background(), "C")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, locker.size())

	again, err := locker.Lock(context.Background(), "B")
	require.NoError(t, err)
	again()
}
