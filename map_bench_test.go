package cuckoo

import (
	"runtime"
	"testing"
)

const (
	benchStoreCount = 1_000_000
	benchLoadCount  = benchStoreCount
)

func BenchmarkInsert(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.InsertOrAssign(i, i)
			i++
			if i >= benchStoreCount {
				i = 0
			}
		}
	})
}

func BenchmarkLoad(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int](WithCapacity(benchLoadCount))
	for i := 0; i < benchLoadCount; i++ {
		m.Insert(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Load(i)
			i++
			if i >= benchLoadCount {
				i = 0
			}
		}
	})
}

func BenchmarkLoadMiss(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int](WithCapacity(benchLoadCount))
	for i := 0; i < benchLoadCount; i++ {
		m.Insert(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Load(benchLoadCount + i)
			i++
			if i >= benchLoadCount {
				i = 0
			}
		}
	})
}

func BenchmarkMixed(b *testing.B) {
	// 80% loads, 10% inserts, 10% erases over a shared working set.
	b.ReportAllocs()
	m := New[int, int](WithCapacity(benchStoreCount))
	for i := 0; i < benchStoreCount; i++ {
		m.Insert(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			switch i % 10 {
			case 0:
				m.InsertOrAssign(i%benchStoreCount, i)
			case 1:
				m.Erase(i % benchStoreCount)
			default:
				_, _ = m.Load(i % benchStoreCount)
			}
			i++
		}
	})
}

func BenchmarkVisit(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int](WithCapacity(benchLoadCount))
	for i := 0; i < benchLoadCount; i++ {
		m.Insert(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Visit(i%benchLoadCount, func(v *int) { *v++ })
			i++
		}
	})
}

func BenchmarkInsertGrowth(b *testing.B) {
	// Measures insert throughput including on-line doubling from a tiny
	// table.
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		m := New[int, int](WithCapacity(16))
		runtime.GC()
		b.StartTimer()
		for k := 0; k < 100_000; k++ {
			m.Insert(k, k)
		}
	}
}
