package cache

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// benchmarkMix exercises a read/write mix against a warm store.
func benchmarkMix(b *testing.B, readsPct int) {
	c := New[string](Options[string]{Capacity: 100_000})
	b.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 50_000; i++ {
		c.Set("k:"+strconv.Itoa(i), "v", time.Minute, PriorityMedium)
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				c.Get(k)
			} else {
				c.Set(k, "v", time.Minute, Priority(i%3))
			}
			i++
		}
	})
}

func BenchmarkStore_90r10w(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkStore_50r50w(b *testing.B) { benchmarkMix(b, 50) }

// Group invalidation scans every shard; measure it on a populated store.
func BenchmarkStore_InvalidateGroup(b *testing.B) {
	c := New[int](Options[int]{})
	b.Cleanup(func() { _ = c.Close() })

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < 1_000; j++ {
			c.Set("orders_"+strconv.Itoa(j), j, time.Minute, PriorityHigh)
			c.Set("profile_"+strconv.Itoa(j), j, time.Minute, PriorityHigh)
		}
		b.StartTimer()
		c.InvalidateGroup("orders_")
	}
}
