package ring

import (
	"sync"
	"testing"
)

func TestNewClampsCapacity(t *testing.T) {
	b := New[int](0)
	if got := b.Cap(); got != 1 {
		t.Errorf("Cap() = %d, want 1", got)
	}
}

func TestPushWithinCapacity(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 3; i++ {
		if evicted := b.Push(i); evicted {
			t.Fatalf("Push(%d) evicted before buffer was full", i)
		}
	}
	got := b.Items()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Items() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Items()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPushEvictsOldestInOrder(t *testing.T) {
	b := New[int](100)
	for i := 0; i < 110; i++ {
		b.Push(i)
	}
	if got := b.Len(); got != 100 {
		t.Fatalf("Len() = %d, want 100", got)
	}
	items := b.Items()
	for i, v := range items {
		if v != i+10 {
			t.Fatalf("Items()[%d] = %d, want %d", i, v, i+10)
		}
	}
	if got := b.Total(); got != 110 {
		t.Errorf("Total() = %d, want 110", got)
	}
}

func TestFirstLast(t *testing.T) {
	b := New[string](2)
	if _, ok := b.First(); ok {
		t.Fatal("First() on empty buffer should report false")
	}
	if _, ok := b.Last(); ok {
		t.Fatal("Last() on empty buffer should report false")
	}

	b.Push("a")
	b.Push("b")
	b.Push("c")

	if got, _ := b.First(); got != "b" {
		t.Errorf("First() = %q, want %q", got, "b")
	}
	if got, _ := b.Last(); got != "c" {
		t.Errorf("Last() = %q, want %q", got, "c")
	}
}

func TestClear(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Clear()

	if got := b.Len(); got != 0 {
		t.Errorf("Len() after Clear = %d, want 0", got)
	}
	b.Push(4)
	if got, _ := b.First(); got != 4 {
		t.Errorf("First() after Clear+Push = %d, want 4", got)
	}
	if got := b.Total(); got != 4 {
		t.Errorf("Total() = %d, want 4", got)
	}
}

func TestConcurrentPush(t *testing.T) {
	b := New[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Push(i)
				_ = b.Items()
			}
		}()
	}
	wg.Wait()

	if got := b.Len(); got != 50 {
		t.Errorf("Len() = %d, want 50", got)
	}
	if got := b.Total(); got != 800 {
		t.Errorf("Total() = %d, want 800", got)
	}
}
