package session

import (
	"fmt"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

// PrivacyFilter applies masking and path-based filtering to sessions before
// they leave the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	MaskPIDs        bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a session with the given project path may be
// published. An empty path is always allowed (the session hasn't resolved
// its path yet). When AllowedPaths is non-empty, the path must match at
// least one pattern, and it must not match any BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(projectPath string) bool {
	if projectPath == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, projectPath) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, projectPath) {
			return false
		}
	}
	return true
}

// matchPathOrParent checks pattern against path and each of its parents, so
// "/home/user/*" also covers "/home/user/work/project-a".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a masked copy of s. The original is never modified.
func (f *PrivacyFilter) Apply(s *LiveSession) *LiveSession {
	masked := s.Clone()

	if f.MaskWorkingDirs {
		if masked.ProjectPath != "" {
			masked.ProjectPath = filepath.Base(masked.ProjectPath)
		}
		if masked.LogPath != "" {
			masked.LogPath = filepath.Base(masked.LogPath)
		}
	}
	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}
	if f.MaskPIDs {
		masked.PID = 0
	}
	return masked
}

// FilterSlice returns the allowed sessions with masking applied.
func (f *PrivacyFilter) FilterSlice(sessions []*LiveSession) []*LiveSession {
	result := make([]*LiveSession, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.ProjectPath) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// ApplyEvent masks an event. ok is false when the event concerns a session
// that must not be published.
func (f *PrivacyFilter) ApplyEvent(ev Event) (out Event, ok bool) {
	if f.IsNoop() {
		return ev, true
	}
	out = ev
	if ev.Session != nil {
		if !f.IsAllowed(ev.Session.ProjectPath) {
			return Event{}, false
		}
		out.Session = f.Apply(ev.Session)
	}
	if f.MaskSessionIDs && out.SessionID != "" {
		out.SessionID = shortHash(out.SessionID)
	}
	return out, true
}

// MaskID returns id as it appears in published sessions.
func (f *PrivacyFilter) MaskID(id string) string {
	if f.MaskSessionIDs && id != "" {
		return shortHash(id)
	}
	return id
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs && !f.MaskPIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// shortHash returns a 12 hex digit digest for an opaque identifier.
func shortHash(s string) string {
	return fmt.Sprintf("%012x", xxh3.HashString(s)&0xffffffffffff)
}
