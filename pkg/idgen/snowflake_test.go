package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnowflake_UniqueAndIncreasing(t *testing.T) {
	s := &Snowflake{workerID: 3}

	prev := s.Generate()
	for i := 0; i < 10000; i++ {
		id := s.Generate()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerateNo_Concurrent(t *testing.T) {
	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				no := GenerateHoldNo()
				mu.Lock()
				seen[no] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestGenerateNo_Prefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateTransactionNo(), "TXN"))
	assert.True(t, strings.HasPrefix(GenerateHoldNo(), "HLD"))
	assert.LessOrEqual(t, len(GenerateHoldNo()), 64)
}

func TestSnowflake_ClockMovesBackwards(t *testing.T) {
	ms := epoch + 10_000
	s := &Snowflake{workerID: 1, clock: func() int64 { return ms }}

	first := s.Generate()
	ms -= 5_000
	second := s.Generate()
	assert.Greater(t, second, first)
}

func TestSnowflake_SequenceExhaustedBorrowsNextMillisecond(t *testing.T) {
	s := &Snowflake{workerID: 1, clock: func() int64 { return epoch + 1 }}

	prev := s.Generate()
	for i := 0; i < maxSequence+10; i++ {
		id := s.Generate()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNewSnowflake_RejectsWorkerIDOutOfRange(t *testing.T) {
	_, err := NewSnowflake(-1)
	assert.Error(t, err)
	_, err = NewSnowflake(maxWorkerID + 1)
	assert.Error(t, err)

	s, err := NewSnowflake(maxWorkerID)
	assert.NoError(t, err)
	assert.NotNil(t, s)
}
