package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// ArtifactVersion is the current on-disk artifact schema version. Loading
// rejects artifacts from a different major version.
const ArtifactVersion = "1.2.0"

// Artifact is the envelope every saved model uses. The payload is the
// implementation's own parameter blob.
type Artifact struct {
	Kind      string          `json:"kind"`
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// SaveArtifact writes an artifact atomically (temp file + rename).
func SaveArtifact(path, kind string, payload interface{}) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	art := Artifact{
		Kind:      kind,
		Version:   ArtifactVersion,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.MarshalIndent(&art, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}

	log.Debug().Str("path", path).Str("kind", kind).Msg("Artifact saved")
	return nil
}

// LoadArtifact reads an artifact, checks kind and version compatibility,
// and unmarshals the payload into out.
func LoadArtifact(path, kind string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("failed to parse artifact %s: %w", path, err)
	}
	if art.Kind != kind {
		return fmt.Errorf("artifact kind mismatch: have %q, want %q", art.Kind, kind)
	}

	have, err := semver.NewVersion(art.Version)
	if err != nil {
		return fmt.Errorf("bad artifact version %q: %w", art.Version, err)
	}
	want := semver.MustParse(ArtifactVersion)
	if have.Major() != want.Major() {
		return fmt.Errorf("incompatible artifact version %s (current %s)", art.Version, ArtifactVersion)
	}

	if err := json.Unmarshal(art.Payload, out); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", kind, err)
	}
	return nil
}
