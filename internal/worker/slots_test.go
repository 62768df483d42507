package worker

import (
	"sync"
	"testing"
)

func TestSlots_AcquireRelease(t *testing.T) {
	slots := NewSlots(2)

	if slots.Free() != 2 || slots.Capacity() != 2 {
		t.Fatalf("got free=%d cap=%d, want 2/2", slots.Free(), slots.Capacity())
	}

	if !slots.Acquire() || !slots.Acquire() {
		t.Fatal("expected two acquires to succeed")
	}
	if slots.Acquire() {
		t.Error("third acquire should fail when exhausted")
	}

	slots.Release()
	if slots.Free() != 1 {
		t.Errorf("got free=%d, want 1", slots.Free())
	}

	// Release never exceeds capacity
	slots.Release()
	slots.Release()
	if slots.Free() != 2 {
		t.Errorf("got free=%d, want 2", slots.Free())
	}
}

func TestSlots_Concurrent(t *testing.T) {
	slots := NewSlots(5)

	var wg sync.WaitGroup
	acquired := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired <- slots.Acquire()
		}()
	}

	wg.Wait()
	close(acquired)

	successes := 0
	for ok := range acquired {
		if ok {
			successes++
		}
	}
	if successes != 5 {
		t.Errorf("got %d successful acquires, want 5", successes)
	}
}
