package application

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"tokenrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogSource struct {
	latest     uint64
	logs       []domain.LogEntry
	fetched    [][2]uint64
	latestErrs int
}

func (f *fakeLogSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if f.latestErrs > 0 {
		f.latestErrs--
		return 0, errors.New("rpc timeout")
	}
	return f.latest, nil
}

func (f *fakeLogSource) FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]domain.LogEntry, error) {
	f.fetched = append(f.fetched, [2]uint64{fromBlock, toBlock})
	var out []domain.LogEntry
	for _, entry := range f.logs {
		if entry.BlockNumber >= fromBlock && entry.BlockNumber <= toBlock {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeLogSource) ChainID(ctx context.Context) (uint64, error) {
	return 1, nil
}

type dataDecoder struct{}

func (dataDecoder) DecodeLock(entry domain.LogEntry) (domain.LockEvent, error) {
	if entry.Data == "bad" {
		return domain.LockEvent{}, errors.New("malformed")
	}
	return domain.LockEvent{
		Amount:             big.NewInt(10),
		SourceAccount:      "0xsource",
		DestinationAccount: entry.Data,
		BlockNumber:        entry.BlockNumber,
		TxHash:             entry.TxHash,
		LogIndex:           entry.LogIndex,
	}, nil
}

type memoryState struct {
	mu    sync.Mutex
	last  map[uint64]uint64
	saves []uint64
}

func (m *memoryState) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.last[chainID]
	return block, ok, nil
}

func (m *memoryState) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = map[uint64]uint64{}
	}
	m.last[chainID] = block
	m.saves = append(m.saves, block)
	return nil
}

type stopAfterBatches struct {
	remaining int
	cancel    context.CancelFunc
	latest    uint64
}

func (s *stopAfterBatches) OnLatestBlock(block uint64) { s.latest = block }

func (s *stopAfterBatches) OnBatchProcessed(fromBlock, toBlock uint64, lockCount int) {
	s.remaining--
	if s.remaining <= 0 {
		s.cancel()
	}
}

func TestWatcherDeliversLocksInChainOrder(t *testing.T) {
	source := &fakeLogSource{
		latest: 20,
		logs: []domain.LogEntry{
			{BlockNumber: 12, LogIndex: 1, TxHash: "0xc", Data: "C"},
			{BlockNumber: 11, LogIndex: 0, TxHash: "0xa", Data: "A"},
			{BlockNumber: 12, LogIndex: 0, TxHash: "0xb", Data: "B"},
			{BlockNumber: 13, LogIndex: 0, TxHash: "0xd", Data: "bad"},
			{BlockNumber: 14, LogIndex: 0, TxHash: "0xe", Data: "E", Removed: true},
			{BlockNumber: 19, LogIndex: 0, TxHash: "0xf", Data: "F"},
		},
	}
	state := &memoryState{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observer := &stopAfterBatches{remaining: 1, cancel: cancel}

	watcher, err := NewWatcher(source, dataDecoder{}, state, observer, WatcherConfig{
		StartBlock:    10,
		Confirmations: 3,
		BatchSize:     100,
		PollInterval:  time.Millisecond,
	})
	require.NoError(t, err)

	var got []string
	err = watcher.Subscribe(ctx, func(ctx context.Context, event domain.LockEvent) error {
		assert.Equal(t, uint64(1), event.ChainID)
		got = append(got, event.DestinationAccount)
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"A", "B", "C"}, got)
	assert.Equal(t, [][2]uint64{{10, 17}}, source.fetched)
	assert.Equal(t, uint64(17), state.last[1])
	assert.Equal(t, uint64(20), observer.latest)
}

func TestWatcherResumesFromCursorInBatches(t *testing.T) {
	source := &fakeLogSource{latest: 30, latestErrs: 1}
	state := &memoryState{last: map[uint64]uint64{1: 9}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := NewWatcher(source, dataDecoder{}, state, &stopAfterBatches{remaining: 3, cancel: cancel}, WatcherConfig{
		BatchSize:    8,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	err = watcher.Subscribe(ctx, func(ctx context.Context, event domain.LockEvent) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, [][2]uint64{{10, 17}, {18, 25}, {26, 30}}, source.fetched)
	assert.Equal(t, []uint64{17, 25, 30}, state.saves)
}

func TestWatcherStopsOnHandlerErrorAndKeepsFailedBlock(t *testing.T) {
	source := &fakeLogSource{
		latest: 50,
		logs: []domain.LogEntry{
			{BlockNumber: 3, TxHash: "0x1", Data: "A"},
			{BlockNumber: 7, TxHash: "0x2", Data: "B"},
		},
	}
	state := &memoryState{}
	watcher, err := NewWatcher(source, dataDecoder{}, state, nil, WatcherConfig{StartBlock: 1, PollInterval: time.Millisecond})
	require.NoError(t, err)

	publishErr := errors.New("broker unavailable")
	err = watcher.Subscribe(context.Background(), func(ctx context.Context, event domain.LockEvent) error {
		if event.DestinationAccount == "B" {
			return publishErr
		}
		return nil
	})

	assert.ErrorIs(t, err, publishErr)
	assert.Equal(t, uint64(6), state.last[1])
}

func TestNewWatcherRequiresDependencies(t *testing.T) {
	_, err := NewWatcher(nil, dataDecoder{}, &memoryState{}, nil, WatcherConfig{})
	assert.Error(t, err)
}
