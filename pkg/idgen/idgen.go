// Package idgen 提供时间/ID（雪花）/hash/退避等通用工具
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

// Snowflake 雪花算法 ID 生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	sequence  int64
	nodeID    int64
}

// NewSnowflake 创建雪花 ID 生成器
func NewSnowflake(nodeID int64) *Snowflake {
	return &Snowflake{
		nodeID: nodeID & 0x3FF, // 10 bits
	}
}

// Generate 生成雪花 ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & 0xFFF // 12 bits
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	// 组合 ID：timestamp(41 bits) + nodeID(10 bits) + sequence(12 bits)
	return (now << 22) | (s.nodeID << 12) | s.sequence
}

// SHA256Hash 计算 SHA-256 哈希并返回十六进制字符串
func SHA256Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// BackoffWithJitter 计算第 attempt 次重试的退避时间：base * 2^attempt，叠加 ±50% 随机抖动
func BackoffWithJitter(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := base << uint(attempt)
	// 抖动范围 [0.5, 1.5)
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(backoff) * jitter)
}
