package call

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	s := &Session{id: "CA123"}

	r.Add(s)
	got, ok := r.Get("CA123")
	if !ok || got != s {
		t.Fatalf("get = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	r.Remove("CA123")
	if _, ok := r.Get("CA123"); ok {
		t.Fatal("session still present after remove")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("CA%d", i)
			r.Add(&Session{id: id})
			r.Get(id)
			r.Remove(id)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
}
