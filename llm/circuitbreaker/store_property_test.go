package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// 属性：冷却结束后的任意并发 AllowCall 序列中，恰好一次探测被放行，
// 且探测结果落定前不会再放行第二次。
func TestStore_HalfOpenProbeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 8).Draw(t, "threshold")
		callers := rapid.IntRange(2, 32).Draw(t, "callers")

		s := NewStore(&Config{
			FailureThreshold: threshold,
			OpenDuration:     10 * time.Second,
		}, zap.NewNop())

		now := time.Now()
		var clockMu sync.Mutex
		s.clock = func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		}

		for i := 0; i < threshold; i++ {
			s.MarkFailure("x")
		}
		if !s.IsOpen("x") {
			t.Fatalf("circuit must be open after %d failures", threshold)
		}

		clockMu.Lock()
		now = now.Add(11 * time.Second)
		clockMu.Unlock()

		var admitted int64
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.AllowCall("x") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if admitted != 1 {
			t.Fatalf("expected exactly 1 admitted probe, got %d", admitted)
		}
		if s.StateOf("x") != StateHalfOpen {
			t.Fatalf("expected HalfOpen, got %v", s.StateOf("x"))
		}
	})
}

// 属性：连续失败少于阈值时熔断器保持关闭，达到阈值后立即打开。
func TestStore_ThresholdProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 10).Draw(t, "threshold")
		failures := rapid.IntRange(0, 20).Draw(t, "failures")

		s := NewStore(&Config{
			FailureThreshold: threshold,
			OpenDuration:     time.Hour,
		}, zap.NewNop())

		for i := 0; i < failures; i++ {
			s.MarkFailure("x")
		}

		wantOpen := failures >= threshold
		if s.IsOpen("x") != wantOpen {
			t.Fatalf("threshold=%d failures=%d: IsOpen=%v, want %v",
				threshold, failures, s.IsOpen("x"), wantOpen)
		}
	})
}
