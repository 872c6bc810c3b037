// Package config loads the per-project and user-wide JSON configuration
// files named in the persisted-state layout. Each file is optional; a
// missing file yields defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TopicDetection configures the Topic-Shift Detector's sensitivity.
type TopicDetection struct {
	// Sensitivity selects the k multiplier: "sensitive"=1.0, "balanced"=1.5, "relaxed"=2.5.
	Sensitivity string   `json:"sensitivity"`
	ManualTau   *float64 `json:"manual_tau,omitempty"`
}

func (t TopicDetection) K() float64 {
	switch t.Sensitivity {
	case "sensitive":
		return 1.0
	case "relaxed":
		return 2.5
	default:
		return 1.5
	}
}

// GraphExtraction configures the Classifier/Enricher's entity quality gate.
type GraphExtraction struct {
	MinNameLen           int                `json:"min_name_len"`
	MaxNameLen           int                `json:"max_name_len"`
	ConfidenceThresholds map[string]float64 `json:"confidence_thresholds"`
	FilePenalty          float64            `json:"file_penalty"`
	MaxFileEntities      int                `json:"max_file_entities"`
}

func DefaultGraphExtraction() GraphExtraction {
	return GraphExtraction{
		MinNameLen: 3,
		MaxNameLen: 200,
		ConfidenceThresholds: map[string]float64{
			"File":      0.95,
			"Decision":  0.65,
			"Problem":   0.60,
			"Solution":  0.60,
			"Reference": 0.85,
			"Project":   0.80,
		},
		FilePenalty:     0.74,
		MaxFileEntities: 5,
	}
}

// ToolVerbosity configures the process-wide response verbosity level.
type ToolVerbosity struct {
	Level int `json:"level"` // 1 minimal, 2 standard, 3 verbose
}

// CrossAccess is the per-project allow-list of other project hashes whose
// observations may be read (never written) during cross-project search.
type CrossAccess struct {
	AllowedProjectHashes []string `json:"allowed_project_hashes"`
}

// UserConfig is the user-wide config.json: privacy regex lists applied by
// the admission filter before an observation's content is persisted.
type UserConfig struct {
	PrivacyRegexes []string `json:"privacy_regexes"`
}

// Store resolves and loads the JSON configuration files that live beside
// the database.
type Store struct {
	dir string
}

func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) load(name string, v any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) TopicDetection() (TopicDetection, error) {
	cfg := TopicDetection{Sensitivity: "balanced"}
	err := s.load("topic-detection.json", &cfg)
	return cfg, err
}

func (s *Store) GraphExtraction() (GraphExtraction, error) {
	cfg := DefaultGraphExtraction()
	err := s.load("graph-extraction.json", &cfg)
	return cfg, err
}

func (s *Store) ToolVerbosity() (ToolVerbosity, error) {
	cfg := ToolVerbosity{Level: 2}
	err := s.load("tool-verbosity.json", &cfg)
	return cfg, err
}

func (s *Store) CrossAccess(projectHash string) (CrossAccess, error) {
	var cfg CrossAccess
	err := s.load(fmt.Sprintf("cross-access-%s.json", projectHash), &cfg)
	return cfg, err
}

// UserConfigPath returns the user-wide config.json path (outside the
// per-project directory, under the user's home).
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".memengine", "config.json"), nil
}

func LoadUserConfig() (UserConfig, error) {
	path, err := UserConfigPath()
	if err != nil {
		return UserConfig{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return UserConfig{}, nil
	}
	if err != nil {
		return UserConfig{}, fmt.Errorf("config: read user config: %w", err)
	}
	var cfg UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return UserConfig{}, fmt.Errorf("config: parse user config: %w", err)
	}
	return cfg, nil
}
