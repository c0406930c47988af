// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(map[string]int{"openai": 2})
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("openai"); !ok {
			t.Fatalf("call %d should be admitted", i)
		}
	}

	now = now.Add(20 * time.Second)
	ok, wait := rl.Allow("openai")
	if ok {
		t.Fatal("third call inside the window should be blocked")
	}
	if wait != 40*time.Second {
		t.Errorf("retry after = %s, want 40s", wait)
	}

	now = now.Add(41 * time.Second)
	if ok, _ := rl.Allow("openai"); !ok {
		t.Error("call after the window slides should be admitted")
	}
}

func TestRateLimiter_UnlimitedProvider(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"openai": 0})
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("openai"); !ok {
			t.Fatal("zero limit means unlimited")
		}
		if ok, _ := rl.Allow("gemini"); !ok {
			t.Fatal("unconfigured provider must not be throttled")
		}
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(map[string]int{"anthropic": 10})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow("anthropic"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("admitted = %d, want 10", admitted)
	}
}
