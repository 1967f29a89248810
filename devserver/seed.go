package devserver

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedFile is the yaml fixture format:
//
//	subjects:
//	  - id: u1
//	    status: pending
//	    payload: {reason: awaiting documents}
type SeedFile struct {
	Subjects []SeedSubject `yaml:"subjects"`
}

// SeedSubject is one initial subject state. Payload fields are merged with
// status into the stored state document.
type SeedSubject struct {
	ID      string         `yaml:"id"`
	Status  string         `yaml:"status"`
	Payload map[string]any `yaml:"payload"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &sf, nil
}

// Seed populates the store with the subjects of sf. Existing subjects are
// overwritten.
func Seed(store *Store, sf *SeedFile) error {
	l := sub("seed")
	l.Info("seeding subjects", "count", len(sf.Subjects))
	start := time.Now()

	for i, s := range sf.Subjects {
		if s.ID == "" {
			return fmt.Errorf("seed subject #%d: missing id", i+1)
		}
		if s.Status == "" {
			return fmt.Errorf("seed subject %s: missing status", s.ID)
		}
		doc := make(map[string]any, len(s.Payload)+1)
		for k, v := range s.Payload {
			doc[k] = v
		}
		doc["status"] = s.Status
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("seed subject %s: %w", s.ID, err)
		}
		if err := store.UpsertSubject(SubjectState{
			ID:        s.ID,
			Status:    s.Status,
			Payload:   payload,
			UpdatedAt: time.Now().UnixNano(),
		}); err != nil {
			return fmt.Errorf("seed subject %s: %w", s.ID, err)
		}
	}

	l.Info("seed complete", "count", len(sf.Subjects), "elapsed", time.Since(start))
	return nil
}
