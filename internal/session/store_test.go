package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.Len(); got != 0 {
		t.Errorf("new store Len() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	st, ok := s.Get("nonexistent")
	if ok || st != nil {
		t.Error("Get for missing key returned a session")
	}
}

func TestUpsertReportsNew(t *testing.T) {
	s := NewStore()
	if !s.Upsert(&LiveSession{ID: "a", Status: Working}) {
		t.Error("first Upsert should report new")
	}
	if s.Upsert(&LiveSession{ID: "a", Status: Paused}) {
		t.Error("second Upsert should not report new")
	}
	st, _ := s.Get("a")
	if st.Status != Paused {
		t.Errorf("status = %s, want paused", st.Status)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	done := time.Now()
	s.Upsert(&LiveSession{
		ID:        "a",
		DoneAt:    &done,
		Subagents: []Subagent{{ID: "t1", Status: "running"}},
		Tasks:     []Task{{ID: "c1", Status: "pending"}},
	})

	got, _ := s.Get("a")
	got.DoneAt = nil
	got.Subagents[0].Status = "mutated"
	got.Tasks[0].Status = "mutated"

	again, _ := s.Get("a")
	if again.DoneAt == nil {
		t.Error("DoneAt mutation leaked into store")
	}
	if again.Subagents[0].Status != "running" {
		t.Error("subagent mutation leaked into store")
	}
	if again.Tasks[0].Status != "pending" {
		t.Error("task mutation leaked into store")
	}
}

func TestUpsertStoresCopy(t *testing.T) {
	s := NewStore()
	ls := &LiveSession{ID: "a", Subagents: []Subagent{{ID: "t1", Status: "running"}}}
	s.Upsert(ls)
	ls.Subagents[0].Status = "changed"

	got, _ := s.Get("a")
	if got.Subagents[0].Status != "running" {
		t.Error("Upsert did not store a copy")
	}
}

func TestGetAllSorted(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"c", "a", "b"} {
		s.Upsert(&LiveSession{ID: id})
	}
	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll returned %d sessions, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].ID != want {
			t.Errorf("GetAll()[%d].ID = %s, want %s", i, all[i].ID, want)
		}
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Upsert(&LiveSession{ID: "a"})
	if !s.Remove("a") {
		t.Error("Remove of present id returned false")
	}
	if s.Remove("a") {
		t.Error("Remove of absent id returned true")
	}
	if _, ok := s.Get("a"); ok {
		t.Error("session still present after Remove")
	}
}

func TestSummarize(t *testing.T) {
	s := NewStore()
	s.Upsert(&LiveSession{ID: "w", Status: Working})
	s.Upsert(&LiveSession{ID: "p", Status: Paused, AgentState: agentstate.State{Group: agentstate.GroupNeedsYou}})
	s.Upsert(&LiveSession{ID: "d", Status: Done})
	s.Upsert(&LiveSession{ID: "p2", Status: Paused})

	got := s.Summarize()
	want := Summary{Total: 4, Working: 1, Paused: 2, Done: 1, NeedsYou: 1}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s.Upsert(&LiveSession{ID: id, Status: Working})
			s.Get(id)
			s.GetAll()
			s.Summarize()
		}(i)
	}

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Remove(fmt.Sprintf("s%d", i))
		}(i)
	}

	wg.Wait()
	if n := s.Len(); n < 25 || n > 50 {
		t.Errorf("unexpected session count %d", n)
	}
}
