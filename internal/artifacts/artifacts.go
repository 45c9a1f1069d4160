// Package artifacts defines the model-artifact provider interface the core
// consumes: given a model kind and quality tier, resolve the on-disk file,
// its version, and (for embedder models) its output dimension. The actual
// downloading and cataloguing of models belongs to an external collaborator;
// the core only validates presence at load time. Artifact.Version is carried
// through as recorded in the catalogue; no provider here compares it against
// a supported set, so ErrIncompatibleVersion is never returned by DirProvider
// or Static.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loquatlabs/loquat/pkg/asr"
)

// Kind identifies a model family.
type Kind string

const (
	KindASR      Kind = "asr"
	KindVAD      Kind = "vad"
	KindEmbedder Kind = "embedder"
)

// Machine-readable locate failures. Both map to a fatal ModelLoadError at
// session start.
var (
	ErrNotFound            = errors.New("artifacts: model not found")
	ErrIncompatibleVersion = errors.New("artifacts: incompatible model version")
)

// Artifact describes one resolved model file.
type Artifact struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version"`

	// Dim is the embedding dimension for embedder models; zero otherwise.
	Dim int `yaml:"dim,omitempty"`
}

// Provider resolves model artifacts. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Locate returns the artifact for the given kind and tier. The tier is
	// ignored for kinds that ship a single model (vad, embedder).
	Locate(kind Kind, tier asr.Tier) (Artifact, error)
}

// manifest is the on-disk catalogue format of DirProvider.
type manifest struct {
	ASR      map[string]Artifact `yaml:"asr"` // keyed by tier
	VAD      Artifact            `yaml:"vad"`
	Embedder Artifact            `yaml:"embedder"`
}

// DirProvider is a filesystem-backed Provider reading a manifest.yaml from a
// model directory. Relative artifact paths are resolved against the
// directory.
type DirProvider struct {
	dir string
	m   manifest
}

// NewDirProvider loads <dir>/manifest.yaml.
func NewDirProvider(dir string) (*DirProvider, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("artifacts: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("artifacts: parse manifest: %w", err)
	}
	return &DirProvider{dir: dir, m: m}, nil
}

// Locate implements Provider, verifying the resolved file exists.
func (p *DirProvider) Locate(kind Kind, tier asr.Tier) (Artifact, error) {
	var a Artifact
	switch kind {
	case KindASR:
		var ok bool
		a, ok = p.m.ASR[string(tier)]
		if !ok {
			return Artifact{}, fmt.Errorf("%w: no asr model for tier %q", ErrNotFound, tier)
		}
	case KindVAD:
		a = p.m.VAD
	case KindEmbedder:
		a = p.m.Embedder
	default:
		return Artifact{}, fmt.Errorf("%w: unknown kind %q", ErrNotFound, kind)
	}
	if a.Path == "" {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if !filepath.IsAbs(a.Path) {
		a.Path = filepath.Join(p.dir, a.Path)
	}
	if _, err := os.Stat(a.Path); err != nil {
		return Artifact{}, fmt.Errorf("%w: %s: %v", ErrNotFound, a.Path, err)
	}
	return a, nil
}

var _ Provider = (*DirProvider)(nil)

// Static is a fixed in-memory Provider, used by tests and by callers that
// resolve paths themselves.
type Static map[Kind]map[asr.Tier]Artifact

// Locate implements Provider.
func (s Static) Locate(kind Kind, tier asr.Tier) (Artifact, error) {
	byTier, ok := s[kind]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if a, ok := byTier[tier]; ok {
		return a, nil
	}
	// Single-model kinds register under the empty tier.
	if a, ok := byTier[""]; ok {
		return a, nil
	}
	return Artifact{}, fmt.Errorf("%w: %s tier %q", ErrNotFound, kind, tier)
}
