package security

import (
	"fmt"
	"sync"
	"testing"

	"golang.org/x/time/rate"
)

func TestCreateAndBurst(t *testing.T) {
	rlm := NewRateLimitManager()
	defer rlm.StopCleanup()

	key := "conn:burst"

	r := rate.Limit(0) // 不补充令牌
	burst := 2

	// 第1次
	if !rlm.CheckLimit(key, r, burst) {
		t.Fatalf("expected first request allowed")
	}
	// 第2次
	if !rlm.CheckLimit(key, r, burst) {
		t.Fatalf("expected second request allowed")
	}
	// 第3次（必定失败）
	if rlm.CheckLimit(key, r, burst) {
		t.Fatalf("expected third request denied")
	}

	if _, ok := rlm.limiters[key]; !ok {
		t.Fatalf("expected bucket to be created")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	rlm := NewRateLimitManager()
	defer rlm.StopCleanup()

	r := rate.Limit(0)

	// ip1 耗尽后 ip2 不受影响
	if !rlm.AllowConnection("10.0.0.1") {
		t.Fatalf("expected first conn for ip1 allowed")
	}
	for i := 0; i < DefaultConnBurst; i++ {
		rlm.AllowConnection("10.0.0.1")
	}
	if !rlm.CheckLimit("conn:10.0.0.2", r, 1) {
		t.Fatalf("expected ip2 unaffected by ip1 bucket")
	}
}

func TestConcurrentCheck(t *testing.T) {
	rlm := NewRateLimitManager()
	defer rlm.StopCleanup()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("frame:peer-%d", n%4)
			for j := 0; j < 50; j++ {
				rlm.CheckLimit(key, rate.Limit(1000), 1000)
			}
		}(i)
	}
	wg.Wait()

	// 并发创建不应超过4个不同的桶
	if len(rlm.limiters) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(rlm.limiters))
	}
}
