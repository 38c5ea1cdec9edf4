package ring

import (
	"testing"
)

func TestPushPopOrder(t *testing.T) {
	b := New[int](8)
	for i := 0; i < 5; i++ {
		if !b.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := b.Pop()
		if !ok {
			t.Fatalf("pop %d: not ok", i)
		}
		if v != i {
			t.Fatalf("pop %d: got %d", i, v)
		}
	}
}

func TestWasEmpty(t *testing.T) {
	b := New[byte](4)
	if !b.WasEmpty() {
		t.Fatal("expected empty after construction")
	}
	b.Push('a')
	if b.WasEmpty() {
		t.Fatal("expected not empty after push")
	}
	b.Pop()
	if !b.WasEmpty() {
		t.Fatal("expected empty after matching pop")
	}
}

func TestUsableCapacityIsNMinus1(t *testing.T) {
	const n = 4
	b := New[int](n)
	pushed := 0
	for b.Push(pushed) {
		pushed++
	}
	if pushed != n-1 {
		t.Fatalf("usable capacity = %d, want %d", pushed, n-1)
	}
	if !b.WasFull() {
		t.Fatal("expected full")
	}
}

func TestInterleaved(t *testing.T) {
	b := New[int](3)
	var pushed, popped []int
	next := 0
	for step := 0; step < 1000; step++ {
		switch step % 3 {
		case 0, 1:
			if b.Push(next) {
				pushed = append(pushed, next)
				next++
			}
		case 2:
			if v, ok := b.Pop(); ok {
				popped = append(popped, v)
			}
		}
	}
	for i, v := range popped {
		if pushed[i] != v {
			t.Fatalf("popped[%d] = %d, want %d", i, v, pushed[i])
		}
	}
}

func TestPopEmpty(t *testing.T) {
	b := New[int](4)
	if _, ok := b.Pop(); ok {
		t.Fatal("pop on empty buffer should fail")
	}
}
