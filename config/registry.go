package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"cashrail/native/ecash"
	"cashrail/native/payments"
)

// MintEntry is one mint in the YAML registry.
type MintEntry struct {
	URL         string    `yaml:"url"`
	MPP         bool      `yaml:"mpp"`
	FeePPK      int64     `yaml:"fee_ppk"`
	LastChecked time.Time `yaml:"last_checked,omitempty"`
}

type registryFile struct {
	Mints []MintEntry `yaml:"mints"`
}

// MintRegistry is the cached mint metadata used for candidate ranking. It
// implements payments.MintDirectory.
type MintRegistry struct {
	path string

	mu    sync.RWMutex
	mints map[string]ecash.MintInfo
}

var _ payments.MintDirectory = (*MintRegistry)(nil)

// LoadMintRegistry reads the registry at path. A missing file yields an empty
// registry that Save will create.
func LoadMintRegistry(path string) (*MintRegistry, error) {
	reg := &MintRegistry{path: path, mints: make(map[string]ecash.MintInfo)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read mint registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: decode mint registry: %w", err)
	}
	for _, entry := range file.Mints {
		url := ecash.NormalizeMintURL(entry.URL)
		if url == "" {
			return nil, fmt.Errorf("config: mint registry entry without url")
		}
		if _, dup := reg.mints[url]; dup {
			return nil, fmt.Errorf("config: duplicate mint %s in registry", url)
		}
		if entry.FeePPK < 0 {
			return nil, fmt.Errorf("config: mint %s has negative fee", url)
		}
		reg.mints[url] = ecash.MintInfo{URL: url, SupportsMPP: entry.MPP, FeePPK: entry.FeePPK, LastCheckedAt: entry.LastChecked}
	}
	return reg, nil
}

// MintInfos returns a copy of the registry.
func (r *MintRegistry) MintInfos(context.Context) (map[string]ecash.MintInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ecash.MintInfo, len(r.mints))
	for k, v := range r.mints {
		out[k] = v
	}
	return out, nil
}

// URLs lists the registered mints in sorted order.
func (r *MintRegistry) URLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.mints))
	for url := range r.mints {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Add registers or replaces a mint entry.
func (r *MintRegistry) Add(info ecash.MintInfo) {
	info.URL = ecash.NormalizeMintURL(info.URL)
	if info.URL == "" {
		return
	}
	r.mu.Lock()
	r.mints[info.URL] = info
	r.mu.Unlock()
}

// Refresh updates every entry from the mint's info endpoint. Unreachable mints
// keep their cached values; the first error is returned after all mints are
// tried.
func (r *MintRegistry) Refresh(ctx context.Context, client ecash.MintClient) error {
	var firstErr error
	for _, url := range r.URLs() {
		info, err := client.Info(ctx, url)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		info.URL = url
		if info.LastCheckedAt.IsZero() {
			info.LastCheckedAt = time.Now().UTC()
		}
		r.Add(info)
	}
	return firstErr
}

// Save writes the registry back to its file.
func (r *MintRegistry) Save() error {
	r.mu.RLock()
	file := registryFile{Mints: make([]MintEntry, 0, len(r.mints))}
	for _, info := range r.mints {
		file.Mints = append(file.Mints, MintEntry{URL: info.URL, MPP: info.SupportsMPP, FeePPK: info.FeePPK, LastChecked: info.LastCheckedAt.UTC()})
	}
	r.mu.RUnlock()
	sort.Slice(file.Mints, func(i, j int) bool { return file.Mints[i].URL < file.Mints[j].URL })
	raw, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("config: encode mint registry: %w", err)
	}
	if err := os.WriteFile(r.path, raw, 0o644); err != nil {
		return fmt.Errorf("config: write mint registry: %w", err)
	}
	return nil
}
