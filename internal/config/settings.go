package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Progress is the direction of a battery calibration cycle.
type Progress string

const (
	ProgressDown Progress = "down"
	ProgressUp   Progress = "up"
)

// CalibrationSettings is the persisted part of the calibration controller.
type CalibrationSettings struct {
	Enabled  bool     `yaml:"enabled"`
	Progress Progress `yaml:"progress"`
}

type settingsDocument struct {
	Calibration CalibrationSettings `yaml:"calibration"`
	// Configured is the configured enabled flag the document was written
	// under. Nil for documents written before it was recorded.
	Configured *bool `yaml:"configured_enabled,omitempty"`
}

// SettingsFile persists calibration settings as YAML. Every successful
// Write notifies the registered listeners, which is how a flip reaches the
// calibration controller: as a restart, not a live transition.
//
// The configured enabled flag wins over the stored one whenever it differs
// from the flag the file was last written under.
type SettingsFile struct {
	path    string
	initial CalibrationSettings

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(CalibrationSettings)
}

func NewSettingsFile(path string, initial CalibrationSettings) *SettingsFile {
	if initial.Progress == "" {
		initial.Progress = ProgressDown
	}
	return &SettingsFile{path: path, initial: initial, listeners: make(map[int]func(CalibrationSettings))}
}

// Read returns the stored settings, or the initial ones if the file does
// not exist yet. A changed configured flag is applied and persisted.
func (s *SettingsFile) Read(_ context.Context) (CalibrationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.initial, nil
	}
	if err != nil {
		return CalibrationSettings{}, fmt.Errorf("read settings %s: %w", s.path, err)
	}

	var doc settingsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return CalibrationSettings{}, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if doc.Calibration.Progress != ProgressUp {
		doc.Calibration.Progress = ProgressDown
	}
	if doc.Configured == nil || *doc.Configured == s.initial.Enabled {
		return doc.Calibration, nil
	}

	settings := CalibrationSettings{Enabled: s.initial.Enabled, Progress: doc.Calibration.Progress}
	if settings.Enabled {
		settings.Progress = s.initial.Progress
	}
	if err := s.persist(settings); err != nil {
		return CalibrationSettings{}, err
	}
	return settings, nil
}

// Write replaces the stored settings atomically and notifies listeners.
func (s *SettingsFile) Write(_ context.Context, settings CalibrationSettings) error {
	s.mu.Lock()
	if err := s.persist(settings); err != nil {
		s.mu.Unlock()
		return err
	}
	listeners := make([]func(CalibrationSettings), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(settings)
	}
	return nil
}

// OnChange registers fn to run after every successful Write and returns a
// function that removes it.
func (s *SettingsFile) OnChange(fn func(CalibrationSettings)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// persist must be called with s.mu held.
func (s *SettingsFile) persist(settings CalibrationSettings) error {
	configured := s.initial.Enabled
	raw, err := yaml.Marshal(settingsDocument{Calibration: settings, Configured: &configured})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeAtomic(s.path, raw)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
