package nrtm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Content describe lo que una fuente tiene publicado: sesión, versión y los
// archivos de snapshot/deltas a los que apunta el notification file.
type Content struct {
	SessionID string
	Version   int64
	Snapshot  FileRef
	Deltas    []FileRef
}

// ContentSource entrega el contenido vigente por fuente. La generación de
// snapshots y deltas vive fuera de este servicio.
type ContentSource interface {
	Current(ctx context.Context, source string) (Content, error)
}

// ErrUnknownSource se devuelve para fuentes no configuradas.
var ErrUnknownSource = errors.New("nrtm: unknown source")

// PlaceholderSource es un ContentSource en memoria para dev y tests: una
// sesión por fuente y una versión que avanza con Advance. Las referencias son
// sintéticas (URLs bajo BaseURL, hash del nombre y no del contenido); en
// producción va ManifestSource.
type PlaceholderSource struct {
	BaseURL string

	mu      sync.Mutex
	sources map[string]*Content
}

func NewPlaceholderSource(baseURL string, sources ...string) *PlaceholderSource {
	s := &PlaceholderSource{BaseURL: strings.TrimRight(baseURL, "/"), sources: map[string]*Content{}}
	for _, name := range sources {
		c := &Content{SessionID: uuid.NewString(), Version: 1}
		c.Snapshot = s.ref(name, c.SessionID, "snapshot", 1)
		s.sources[name] = c
	}
	return s
}

func (s *PlaceholderSource) Current(_ context.Context, source string) (Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sources[source]
	if !ok {
		return Content{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	out := *c
	out.Deltas = append([]FileRef(nil), c.Deltas...)
	return out, nil
}

// Advance registra un delta nuevo para source y devuelve la versión resultante.
func (s *PlaceholderSource) Advance(source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sources[source]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	c.Version++
	c.Deltas = append(c.Deltas, s.ref(source, c.SessionID, "delta", c.Version))
	return c.Version, nil
}

// Sources lista las fuentes conocidas.
func (s *PlaceholderSource) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for name := range s.sources {
		out = append(out, name)
	}
	return out
}

// ref arma una referencia sintética; el hash es del nombre porque acá no hay
// contenido real.
func (s *PlaceholderSource) ref(source, session, kind string, version int64) FileRef {
	name := fmt.Sprintf("nrtm-%s.%s.%s.%d.json", kind, source, session, version)
	sum := sha256.Sum256([]byte(name))
	u := name
	if s.BaseURL != "" {
		u = s.BaseURL + "/" + url.PathEscape(source) + "/" + name
	}
	return FileRef{Version: version, URL: u, Hash: hex.EncodeToString(sum[:])}
}
