package nrtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ManifestFileName es el manifiesto que deja el generador de snapshots y
// deltas en <Dir>/<source>/.
const ManifestFileName = "content.json"

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalidManifest indica un manifiesto incompleto o mal formado.
var ErrInvalidManifest = errors.New("nrtm: invalid content manifest")

type manifest struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Snapshot  FileRef   `json:"snapshot"`
	Deltas    []FileRef `json:"deltas"`
}

// ManifestSource lee el contenido vigente de cada fuente del manifiesto que
// publica el proceso que genera snapshots y deltas. Se relee en cada ciclo:
// el archivo se reemplaza de forma atómica del otro lado.
type ManifestSource struct {
	Dir string
}

func (m *ManifestSource) Path(source string) string {
	return filepath.Join(m.Dir, source, ManifestFileName)
}

func (m *ManifestSource) Current(_ context.Context, source string) (Content, error) {
	b, err := os.ReadFile(m.Path(source))
	if errors.Is(err, os.ErrNotExist) {
		return Content{}, fmt.Errorf("%w: %q has no %s", ErrUnknownSource, source, ManifestFileName)
	}
	if err != nil {
		return Content{}, err
	}
	var mf manifest
	if err := json.Unmarshal(b, &mf); err != nil {
		return Content{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, source, err)
	}
	if err := mf.validate(); err != nil {
		return Content{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, source, err)
	}
	return Content{SessionID: mf.SessionID, Version: mf.Version, Snapshot: mf.Snapshot, Deltas: mf.Deltas}, nil
}

func (mf manifest) validate() error {
	if mf.SessionID == "" {
		return errors.New("session_id is empty")
	}
	if mf.Version < 1 {
		return fmt.Errorf("version %d", mf.Version)
	}
	refs := append([]FileRef{mf.Snapshot}, mf.Deltas...)
	for _, r := range refs {
		if r.URL == "" || !sha256Hex.MatchString(r.Hash) {
			return fmt.Errorf("file ref for version %d needs an url and a sha256 hash", r.Version)
		}
		if r.Version > mf.Version {
			return fmt.Errorf("file ref version %d is ahead of %d", r.Version, mf.Version)
		}
	}
	return nil
}
