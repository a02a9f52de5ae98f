package domain

import "fmt"

// SettingLookup resolves setting definitions by ID.
type SettingLookup interface {
	Setting(id string) (*Setting, error)
}

// Snapshot is a read-only view of metadata handed to the engine for one call.
// Callers must not mutate the settings or models it holds.
type Snapshot struct {
	settings map[string]*Setting
	models   map[string]*DetectionModel
}

// NewSnapshot indexes settings and models by ID. Later duplicates win.
func NewSnapshot(settings []*Setting, models []*DetectionModel) *Snapshot {
	s := &Snapshot{
		settings: make(map[string]*Setting, len(settings)),
		models:   make(map[string]*DetectionModel, len(models)),
	}
	for _, st := range settings {
		s.settings[st.SettingID] = st
	}
	for _, m := range models {
		s.models[m.ModelID] = m
	}
	return s
}

// Setting returns the setting with the given ID.
func (s *Snapshot) Setting(id string) (*Setting, error) {
	st, ok := s.settings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, id)
	}
	return st, nil
}

// Model returns the detection model with the given ID.
func (s *Snapshot) Model(id string) (*DetectionModel, error) {
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// SettingCount returns the number of settings in the snapshot.
func (s *Snapshot) SettingCount() int {
	return len(s.settings)
}
