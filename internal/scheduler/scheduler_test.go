package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 2, 10, 15, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个时间桶不正确: %v", got)
	}
	exact := time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(time.Hour)) {
		t.Fatalf("整点时应跳到下一个时间桶: %v", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int32
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		if atomic.AddInt32(&ticks, 1) == 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if atomic.LoadInt32(&ticks) != 3 {
		t.Fatalf("期望执行 3 次, 实际 %d", ticks)
	}
}

func TestRunSkipsInactiveBuckets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var checks, ticks int32
	s := New(Options{
		Interval: 2 * time.Millisecond,
		Active: func(time.Time) bool {
			// every other bucket is active
			return atomic.AddInt32(&checks, 1)%2 == 0
		},
	}, zerolog.Nop())

	_ = s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		if atomic.AddInt32(&ticks, 1) == 2 {
			cancel()
		}
		return nil
	})
	if atomic.LoadInt32(&checks) < 4 {
		t.Fatalf("非活跃时间桶应被跳过, checks=%d ticks=%d", checks, ticks)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
