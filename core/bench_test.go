package core

import (
	"fmt"
	"testing"
)

func Benchmark_Get(b *testing.B) {
	db, _, _ := SetupTempDB(b)

	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("k%04d", i)
		_ = db.Set(key, "v")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// fetch a fixed key so the benchmark measures steady-state read
		// cost, not which segment a given key happens to land in
		if _, err := db.Get("k0050"); err != nil {
			b.Fatalf("db.Get: %v", err)
		}
	}
}

func Benchmark_Set(b *testing.B) {
	db, _, _ := SetupTempDB(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%04d", i%10000)
		if err := db.Set(key, "value"); err != nil {
			b.Fatalf("db.Set: %v", err)
		}
	}
}

func Benchmark_Fsync_Set(b *testing.B) {
	db, _, _ := SetupTempDB(b, WithFsync(true))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%04d", i%10000)
		if err := db.Set(key, "value"); err != nil {
			b.Fatalf("db.Set: %v", err)
		}
	}
}
