package queue

import (
	"fmt"
	"sync"
	"testing"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID   int
	Name string
}

func TestCoalescing_New(t *testing.T) {
	q := New[string, testItem]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestCoalescing_PutReplacesPending(t *testing.T) {
	q := New[string, testItem]()

	if q.Put("self", testItem{ID: 1}) {
		t.Error("first put should not report a replacement")
	}
	if !q.Put("self", testItem{ID: 2}) {
		t.Error("second put should report a replacement")
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}

	_, v, ok := q.Pop()
	if !ok || v.ID != 2 {
		t.Errorf("expected latest item, got %+v ok=%v", v, ok)
	}
}

func TestCoalescing_KeepsPlaceInLine(t *testing.T) {
	q := New[string, testItem]()
	q.Put("a", testItem{ID: 1})
	q.Put("b", testItem{ID: 2})
	q.Put("a", testItem{ID: 3})

	k, v, _ := q.Pop()
	if k != "a" || v.ID != 3 {
		t.Errorf("expected a/3 first, got %s/%d", k, v.ID)
	}
	k, v, _ = q.Pop()
	if k != "b" || v.ID != 2 {
		t.Errorf("expected b/2 second, got %s/%d", k, v.ID)
	}
}

func TestCoalescing_PopEmpty(t *testing.T) {
	q := New[string, testItem]()
	k, v, ok := q.Pop()
	if ok || k != "" || v.ID != 0 {
		t.Errorf("expected zero values, got %q %+v %v", k, v, ok)
	}
}

func TestCoalescing_Peek(t *testing.T) {
	q := New[int, string]()
	q.Put(1, "one")

	v, ok := q.Peek(1)
	if !ok || v != "one" {
		t.Errorf("expected one, got %q", v)
	}
	if q.Len() != 1 {
		t.Error("peek must not remove")
	}
	if _, ok := q.Peek(2); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestCoalescing_GetAndEmpty(t *testing.T) {
	q := New[int, string]()
	q.Put(3, "c")
	q.Put(1, "a")
	q.Put(3, "cc")

	got := q.GetAndEmpty()
	if len(got) != 2 || got[0] != "cc" || got[1] != "a" {
		t.Errorf("unexpected drain order %v", got)
	}
	if !q.Empty() {
		t.Error("expected empty queue after drain")
	}

	q.Put(3, "again")
	if q.Len() != 1 {
		t.Errorf("expected queue usable after drain, len=%d", q.Len())
	}
}

func TestCoalescing_Clear(t *testing.T) {
	q := New[int, int]()
	q.Put(1, 1)
	q.Put(2, 2)
	q.Clear()
	if !q.Empty() {
		t.Error("expected empty queue after clear")
	}
}

func TestCoalescing_Concurrent(t *testing.T) {
	q := New[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Put(fmt.Sprintf("k%d", i%10), i)
		}(i)
	}
	wg.Wait()

	if q.Len() != 10 {
		t.Errorf("expected 10 coalesced keys, got %d", q.Len())
	}
}
