package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source loads packs by tenant and version.
type Source interface {
	// Load returns the pack for tenantID at version, or ErrPackNotFound.
	Load(ctx context.Context, tenantID string, version int) (*Pack, error)
}

type packKey struct {
	tenantID string
	version  int
}

// MemorySource holds packs in memory. It is safe for concurrent use.
type MemorySource struct {
	mu    sync.RWMutex
	packs map[packKey]*Pack
}

// NewMemorySource creates a source holding packs.
func NewMemorySource(packs ...*Pack) (*MemorySource, error) {
	s := &MemorySource{packs: make(map[packKey]*Pack)}
	for _, p := range packs {
		if err := s.Put(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put validates and stores p, replacing any pack with the same tenant and
// version.
func (s *MemorySource) Put(p *Pack) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pack %s v%d: %w", p.TenantID, p.Version, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[packKey{p.TenantID, p.Version}] = p
	return nil
}

// Load implements Source.
func (s *MemorySource) Load(ctx context.Context, tenantID string, version int) (*Pack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packs[packKey{tenantID, version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrPackNotFound, tenantID, version)
	}
	return p, nil
}

// Versions returns the stored versions of tenantID, ascending.
func (s *MemorySource) Versions(tenantID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for k := range s.packs {
		if k.tenantID == tenantID {
			out = append(out, k.version)
		}
	}
	sort.Ints(out)
	return out
}

// InitialVersions returns, per tenant, the version to activate at startup:
// the highest version flagged active, else the highest version.
func (s *MemorySource) InitialVersions() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := map[string]int{}
	flagged := map[string]int{}
	for k, p := range s.packs {
		highest[k.tenantID] = max(highest[k.tenantID], k.version)
		if p.Active {
			flagged[k.tenantID] = max(flagged[k.tenantID], k.version)
		}
	}
	for tenant, v := range flagged {
		highest[tenant] = v
	}
	return highest
}

// LoadDir reads every .yaml, .yml and .json file in dir as one pack.
func LoadDir(dir string) (*MemorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pack dir: %w", err)
	}
	s := &MemorySource{packs: make(map[packKey]*Pack)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		p, err := FromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := s.Put(p); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return s, nil
}

// FromFile loads a pack, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported pack file extension: %s", ext)
	}
}

// FromYAML parses a YAML pack.
func FromYAML(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	p.normalize()
	return &p, nil
}

// FromJSON parses a JSON pack.
func FromJSON(data []byte) (*Pack, error) {
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	p.normalize()
	return &p, nil
}
