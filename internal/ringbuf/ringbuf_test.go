package ringbuf

import (
	"sync"
	"testing"
)

type ev struct {
	interval string
	open     int64
}

func TestRing_FIFO(t *testing.T) {
	r := New[ev](4)

	r.Push(ev{"1m", 1}, nil)
	r.Push(ev{"1m", 2}, nil)
	if r.Len() != 2 {
		t.Fatalf("len: got %d, want 2", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.open != 1 {
		t.Fatalf("first pop: got (%+v, %v)", got, ok)
	}
	got, ok = r.Pop()
	if !ok || got.open != 2 {
		t.Fatalf("second pop: got (%+v, %v)", got, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop from empty must return false")
	}
}

func TestRing_ShedsOldestOverall(t *testing.T) {
	r := New[ev](2)
	r.Push(ev{"1m", 1}, nil)
	r.Push(ev{"1m", 2}, nil)

	if shed := r.Push(ev{"1m", 3}, nil); !shed {
		t.Fatal("push at capacity must report a shed entry")
	}
	if r.Shed() != 1 {
		t.Fatalf("shed counter: got %d, want 1", r.Shed())
	}

	got, _ := r.Pop()
	if got.open != 2 {
		t.Fatalf("oldest must have been shed, head is %+v", got)
	}
}

func TestRing_ShedsOldestMatching(t *testing.T) {
	r := New[ev](3)
	r.Push(ev{"5m", 1}, nil)
	r.Push(ev{"1m", 2}, nil)
	r.Push(ev{"1m", 3}, nil)

	// A 1m burst sheds the oldest 1m entry, not the 5m one.
	r.Push(ev{"1m", 4}, func(e ev) bool { return e.interval == "1m" })

	var opens []int64
	for {
		e, ok := r.Pop()
		if !ok {
			break
		}
		opens = append(opens, e.open)
	}
	if len(opens) != 3 || opens[0] != 1 || opens[1] != 3 || opens[2] != 4 {
		t.Fatalf("queue after interval shed: %v, want [1 3 4]", opens)
	}
}

func TestRing_ShedFallsBackWhenNoMatch(t *testing.T) {
	r := New[ev](2)
	r.Push(ev{"5m", 1}, nil)
	r.Push(ev{"1h", 2}, nil)

	r.Push(ev{"1m", 3}, func(e ev) bool { return e.interval == "1m" })

	got, _ := r.Pop()
	if got.open != 2 {
		t.Fatalf("no matching entry: oldest overall must be shed, head is %+v", got)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[ev](4)
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			r.Push(ev{"1m", int64(round*10 + i)}, nil)
		}
		for i := 0; i < 4; i++ {
			e, ok := r.Pop()
			if !ok || e.open != int64(round*10+i) {
				t.Fatalf("round %d pop %d: got (%+v, %v)", round, i, e, ok)
			}
		}
	}
}

func TestRing_ConcurrentPushPop(t *testing.T) {
	r := New[ev](64)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Push(ev{"1m", int64(i)}, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Pop()
		}
	}()
	wg.Wait()

	if r.Len() < 0 || r.Len() > 64 {
		t.Fatalf("len out of bounds: %d", r.Len())
	}
}
