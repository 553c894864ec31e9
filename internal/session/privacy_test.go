package session

import (
	"testing"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name       string
		filter     PrivacyFilter
		projectPath string
		want       bool
	}{
		{
			name:       "empty filter allows everything",
			filter:     PrivacyFilter{},
			projectPath: "/home/user/project",
			want:       true,
		},
		{
			name:       "empty project path always allowed",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "",
			want:       true,
		},
		{
			name:       "allowlist match direct",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/work/myproject",
			want:       true,
		},
		{
			name:       "allowlist match nested",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/work/deep/nested/path",
			want:       true,
		},
		{
			name:       "allowlist no match",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/personal/diary",
			want:       false,
		},
		{
			name:       "blocklist match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/tmp/scratch",
			want:       false,
		},
		{
			name:       "blocklist match nested",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/tmp/deep/nested",
			want:       false,
		},
		{
			name:       "blocklist no match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/home/user/project",
			want:       true,
		},
		{
			name: "allowlist passes but blocklist catches",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/*"},
				BlockedPaths: []string{"/home/user/secret"},
			},
			projectPath: "/home/user/secret",
			want:       false,
		},
		{
			name: "multiple allowlist patterns",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/work/*", "/home/user/projects/*"},
			},
			projectPath: "/home/user/projects/cool",
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.filter.IsAllowed(tt.projectPath)
			if got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.projectPath, got, tt.want)
			}
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	original := &LiveSession{
		ID:          "8f14e45f-ceea-467f-a0e6-1b7f2c7e0d11",
		ProjectName: "myproject",
		ProjectPath: "/home/user/projects/myproject",
		LogPath:     "/home/user/.claude/projects/-home-user-projects-myproject/8f14e45f.jsonl",
		PID:         12345,
		Todos:       []jsonl.Todo{{Content: "a", Status: "pending"}},
	}

	t.Run("mask working dirs", func(t *testing.T) {
		f := &PrivacyFilter{MaskWorkingDirs: true}
		result := f.Apply(original)
		if result.ProjectPath != "myproject" {
			t.Errorf("expected ProjectPath = %q, got %q", "myproject", result.ProjectPath)
		}
		if result.LogPath != "8f14e45f.jsonl" {
			t.Errorf("expected LogPath = %q, got %q", "8f14e45f.jsonl", result.LogPath)
		}
		if original.ProjectPath != "/home/user/projects/myproject" {
			t.Error("original was modified")
		}
	})

	t.Run("mask session IDs", func(t *testing.T) {
		f := &PrivacyFilter{MaskSessionIDs: true}
		result := f.Apply(original)
		if result.ID == original.ID {
			t.Error("session ID should have been masked")
		}
		if result.ID != f.MaskID(original.ID) {
			t.Errorf("Apply and MaskID disagree: %q vs %q", result.ID, f.MaskID(original.ID))
		}
	})

	t.Run("mask PIDs", func(t *testing.T) {
		f := &PrivacyFilter{MaskPIDs: true}
		result := f.Apply(original)
		if result.PID != 0 {
			t.Errorf("expected PID = 0, got %d", result.PID)
		}
	})

	t.Run("result does not share slices", func(t *testing.T) {
		f := &PrivacyFilter{}
		result := f.Apply(original)
		result.Todos[0].Status = "completed"
		if original.Todos[0].Status != "pending" {
			t.Error("Apply shared the todo slice with the original")
		}
	})
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	sessions := []*LiveSession{
		{ID: "1", ProjectPath: "/home/user/work/project-a", PID: 100},
		{ID: "2", ProjectPath: "/home/user/personal/diary", PID: 200},
		{ID: "3", ProjectPath: "/tmp/scratch", PID: 300},
	}

	f := &PrivacyFilter{
		MaskPIDs:     true,
		BlockedPaths: []string{"/tmp/*"},
	}

	result := f.FilterSlice(sessions)
	if len(result) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(result))
	}
	for _, s := range result {
		if s.PID != 0 {
			t.Errorf("PID should be masked, got %d for %s", s.PID, s.ID)
		}
		if s.ProjectPath == "/tmp/scratch" {
			t.Error("blocked session should not be in result")
		}
	}
}

func TestPrivacyFilter_ApplyEvent(t *testing.T) {
	f := &PrivacyFilter{MaskSessionIDs: true, BlockedPaths: []string{"/tmp/*"}}
	at := time.Now()

	blocked := NewUpdated(1, &LiveSession{ID: "s1", ProjectPath: "/tmp/x"}, at)
	if _, ok := f.ApplyEvent(blocked); ok {
		t.Error("event for blocked path should be dropped")
	}

	allowed := NewUpdated(2, &LiveSession{ID: "s2", ProjectPath: "/home/u/p"}, at)
	out, ok := f.ApplyEvent(allowed)
	if !ok {
		t.Fatal("allowed event dropped")
	}
	if out.SessionID != shortHash("s2") || out.Session.ID != shortHash("s2") {
		t.Errorf("ids not masked: %q / %q", out.SessionID, out.Session.ID)
	}
	if allowed.Session.ID != "s2" {
		t.Error("original event was modified")
	}

	completed, ok := f.ApplyEvent(NewCompleted(3, "s3", at))
	if !ok || completed.SessionID != shortHash("s3") {
		t.Errorf("completed event not masked: %+v", completed)
	}
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	if !(&PrivacyFilter{}).IsNoop() {
		t.Error("zero value filter should be noop")
	}
	if (&PrivacyFilter{MaskPIDs: true}).IsNoop() {
		t.Error("filter with masking should not be noop")
	}
	if (&PrivacyFilter{AllowedPaths: []string{"/foo/*"}}).IsNoop() {
		t.Error("filter with allowed paths should not be noop")
	}
}

func TestMatchPathOrParent(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"root pattern is never checked", "/", "/project", false},
		{"exact path match", "/home/user/project", "/home/user/project", true},
		{"parent glob matches nested path", "/home/user/*", "/home/user/work/src", true},
		{"no match terminates", "/other/*", "/home/user/project", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchPathOrParent(tt.pattern, tt.path); got != tt.want {
				t.Errorf("matchPathOrParent(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestShortHash(t *testing.T) {
	a := shortHash("abc123")
	if a != shortHash("abc123") {
		t.Error("shortHash not deterministic")
	}
	if len(a) != 12 {
		t.Errorf("shortHash length = %d, want 12", len(a))
	}
	if a == shortHash("different") {
		t.Error("different inputs should produce different hashes")
	}
}
