package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// 雪花 ID：41 位毫秒时间戳 | 10 位机器 ID | 12 位序列号
//
// 流水号、冻结单号都由它派生，多实例部署时每个实例的 worker-id 必须不同。

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu       sync.Mutex
	lastMs   int64
	workerID int64
	sequence int64
	clock    func() int64 // 毫秒时间，测试可替换
}

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间: %d", maxWorkerID, workerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

var (
	defaultMu        sync.Mutex
	defaultGenerator *Snowflake
)

// Init 设置进程级生成器，未调用时按 workerID = 1 惰性初始化
func Init(workerID int64) error {
	s, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultGenerator = s
	defaultMu.Unlock()
	return nil
}

func generator() *Snowflake {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultGenerator == nil {
		defaultGenerator = &Snowflake{workerID: 1}
	}
	return defaultGenerator
}

func NextID() int64 {
	return generator().Generate()
}

func (s *Snowflake) nowMs() int64 {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UnixMilli()
}

// Generate 同一生成器内严格递增
//
// 时钟回拨时沿用上一次的毫秒数继续分配序列号，序列号耗尽再借用下一毫秒，
// 不会生成重复 ID。
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	if now < s.lastMs {
		now = s.lastMs
	}

	if now == s.lastMs {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			now = s.lastMs + 1
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = now

	return ((now - epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}

// generateNo 前缀 + UTC 年月日时分秒 + 雪花 ID，长度不超过 64
func generateNo(prefix string) string {
	return prefix + time.Now().UTC().Format("20060102150405") + strconv.FormatInt(NextID(), 10)
}

// GenerateTransactionNo 积分流水号 TXN...
func GenerateTransactionNo() string {
	return generateNo("TXN")
}

// GenerateHoldNo 冻结单号 HLD...，对外作为 hold_id
func GenerateHoldNo() string {
	return generateNo("HLD")
}
