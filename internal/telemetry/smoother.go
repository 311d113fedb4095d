package telemetry

import (
	"math"
	"sync"
	"time"
)

// 电量百分比的动画过渡时长
const smootherDuration = 600 * time.Millisecond

// SoCSmoother 对电量百分比做短时缓动，避免数值跳变。
// 目标值每次更新时从当前插值位置重新起步。
type SoCSmoother struct {
	mu       sync.Mutex
	from     float64
	target   float64
	starteds time.Time
	now      func() time.Time
}

// NewSoCSmoother 创建缓动器；now 为 nil 时用系统时钟
func NewSoCSmoother(now func() time.Time) *SoCSmoother {
	if now == nil {
		now = time.Now
	}
	return &SoCSmoother{now: now}
}

// easeOutCubic 缓出三次曲线
func easeOutCubic(t float64) float64 {
	u := 1 - t
	return 1 - u*u*u
}

// SetTarget 更新目标值；相同目标不重启动画
func (s *SoCSmoother) SetTarget(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == s.target {
		return
	}
	s.from = s.valueLocked(s.now())
	s.target = v
	s.starteds = s.now()
}

// Reset 立即归零，空闲且无交易时调用
func (s *SoCSmoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.from, s.target = 0, 0
	s.starteds = time.Time{}
}

// Value 当前插值
func (s *SoCSmoother) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueLocked(s.now())
}

func (s *SoCSmoother) valueLocked(now time.Time) float64 {
	if s.starteds.IsZero() {
		return s.target
	}
	elapsed := now.Sub(s.starteds)
	if elapsed >= smootherDuration {
		return s.target
	}
	t := float64(elapsed) / float64(smootherDuration)
	v := s.from + (s.target-s.from)*easeOutCubic(t)
	return math.Round(v*10) / 10
}
