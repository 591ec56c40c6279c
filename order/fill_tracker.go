package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent 成交事件
type FillEvent struct {
	OrderID   string
	ExecID    string
	ProductID string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// FillTracker 跟踪会话内的成交历史（滑动窗口），供运维接口展示。
type FillTracker struct {
	mu sync.RWMutex

	recentFills []FillEvent
	maxHistory  int           // 最大历史记录数
	windowSize  time.Duration // 时间窗口
	now         func() time.Time

	totalFills     int
	boughtSize     decimal.Decimal
	soldSize       decimal.Decimal
	recentFillRate float64 // 每分钟成交次数
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}

	return &FillTracker{
		recentFills: make([]FillEvent, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
		now:         time.Now,
	}
}

// RecordFill 记录成交
func (f *FillTracker) RecordFill(event FillEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = f.now()
	}
	f.recentFills = append(f.recentFills, event)
	f.totalFills++
	switch event.Side {
	case SideBuy:
		f.boughtSize = f.boughtSize.Add(event.Size)
	case SideSell:
		f.soldSize = f.soldSize.Add(event.Size)
	}

	f.cleanOldFillsUnsafe()
	f.updateFillRateUnsafe()
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)

	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if validStart > 0 {
		f.recentFills = f.recentFills[validStart:]
	}

	// 限制最大历史数
	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
}

// updateFillRateUnsafe 更新成交率（非线程安全）
func (f *FillTracker) updateFillRateUnsafe() {
	windowMinutes := f.windowSize.Minutes()
	if windowMinutes > 0 {
		f.recentFillRate = float64(len(f.recentFills)) / windowMinutes
	}
}

// GetRecentFillRate 获取近期成交率（每分钟成交次数）
func (f *FillTracker) GetRecentFillRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.recentFillRate
}

// GetRecentFills 获取近期成交记录（只读副本）
func (f *FillTracker) GetRecentFills(duration time.Duration) []FillEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := f.now().Add(-duration)
	var result []FillEvent
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			result = append(result, fill)
		}
	}
	return result
}

// GetTotalFills 获取总成交次数
func (f *FillTracker) GetTotalFills() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalFills
}

// Reset 重置跟踪器
func (f *FillTracker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recentFills = make([]FillEvent, 0, f.maxHistory)
	f.totalFills = 0
	f.boughtSize = decimal.Zero
	f.soldSize = decimal.Zero
	f.recentFillRate = 0
}

// GetStats 获取统计信息
func (f *FillTracker) GetStats() FillTrackerStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FillTrackerStats{
		TotalFills:     f.totalFills,
		RecentFills:    len(f.recentFills),
		RecentFillRate: f.recentFillRate,
		BoughtSize:     f.boughtSize.String(),
		SoldSize:       f.soldSize.String(),
	}
}

// FillTrackerStats 成交跟踪器统计
type FillTrackerStats struct {
	TotalFills     int     `json:"total_fills"`
	RecentFills    int     `json:"recent_fills"`
	RecentFillRate float64 `json:"recent_fill_rate"`
	BoughtSize     string  `json:"bought_size"`
	SoldSize       string  `json:"sold_size"`
}
