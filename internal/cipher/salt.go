// =============================================================================
// 文件: internal/cipher/salt.go
// 描述: salt 防重放过滤器 - 轮转布隆过滤器环
// =============================================================================
package cipher

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 默认每个过滤器槽容纳的 salt 数量
	defaultSlotItems = 100000
	// 默认槽数量, 总容量 = 槽数 * 每槽数量
	defaultSlots = 4
	// 误报率
	saltFalsePositive = 1e-6
)

// SaltFilter 记录已见过的 salt
// 当前槽写满后覆盖最旧的槽, 内存占用恒定
type SaltFilter struct {
	slots   []*bloom.BloomFilter
	perSlot uint
	current int
	count   uint
	mu      sync.Mutex
	stats   SaltStats
}

// SaltStats 过滤器统计
type SaltStats struct {
	Checks   uint64
	Replays  uint64
	Rotation uint64
}

// NewSaltFilter 创建 salt 过滤器
// perSlot <= 0 时使用默认值
func NewSaltFilter(slots, perSlot int) *SaltFilter {
	if slots <= 0 {
		slots = defaultSlots
	}
	if perSlot <= 0 {
		perSlot = defaultSlotItems
	}

	f := &SaltFilter{
		slots:   make([]*bloom.BloomFilter, slots),
		perSlot: uint(perSlot),
	}
	for i := range f.slots {
		f.slots[i] = bloom.NewWithEstimates(f.perSlot, saltFalsePositive)
	}
	return f
}

// CheckAndAdd 检查并记录 salt
// 返回 true 表示首次出现, false 表示重放
func (f *SaltFilter) CheckAndAdd(salt []byte) bool {
	if f == nil || len(salt) == 0 {
		return true
	}
	atomic.AddUint64(&f.stats.Checks, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, slot := range f.slots {
		if slot.Test(salt) {
			atomic.AddUint64(&f.stats.Replays, 1)
			return false
		}
	}

	if f.count >= f.perSlot {
		f.current = (f.current + 1) % len(f.slots)
		f.slots[f.current].ClearAll()
		f.count = 0
		atomic.AddUint64(&f.stats.Rotation, 1)
	}
	f.slots[f.current].Add(salt)
	f.count++
	return true
}

// Stats 返回统计信息
func (f *SaltFilter) Stats() SaltStats {
	return SaltStats{
		Checks:   atomic.LoadUint64(&f.stats.Checks),
		Replays:  atomic.LoadUint64(&f.stats.Replays),
		Rotation: atomic.LoadUint64(&f.stats.Rotation),
	}
}
