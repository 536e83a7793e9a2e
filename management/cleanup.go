package management

import "log/slog"

// releaseStack collects the release functions of resources acquired during
// Init. unwind runs them in reverse order of acquisition; disarm hands
// ownership to the caller so nothing runs.
type releaseStack struct {
	entries []releaseEntry
}

type releaseEntry struct {
	name    string
	release func() error
}

func (s *releaseStack) push(name string, release func() error) {
	s.entries = append(s.entries, releaseEntry{name: name, release: release})
}

func (s *releaseStack) unwind(log *slog.Logger) {
	for i := len(s.entries); i > 0; i-- {
		e := s.entries[i-1]
		if err := e.release(); err != nil && log != nil {
			log.Warn("Rollback release failed", "resource", e.name, "err", err)
		}
	}
	s.entries = nil
}

func (s *releaseStack) disarm() {
	s.entries = nil
}
