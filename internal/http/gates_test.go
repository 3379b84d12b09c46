package http

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedGateExclusive(t *testing.T) {
	var g keyedGate
	ctx := context.Background()
	if err := g.acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.acquire(ctx, "b"); err != nil {
		t.Fatalf("acquire other key: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := g.acquire(short, "a"); err == nil {
		t.Fatal("acquired a held key")
	}

	g.release("a")
	g.release("a")
	if err := g.acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestKeyedGatePassSpacing(t *testing.T) {
	var g keyedGate
	const delay = 30 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.pass(context.Background(), "host", delay); err != nil {
				t.Errorf("pass: %v", err)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed < 3*delay {
		t.Errorf("three passes took %v, want at least %v", elapsed, 3*delay)
	}
}
