// ABOUTME: Precache manifest: the asset paths fetched at install time
// ABOUTME: Loaded from a TOML file listing site-relative paths

package worker

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Manifest lists the site-relative asset paths precached at install.
type Manifest struct {
	Assets []string `toml:"assets"`

	set map[string]bool
}

// LoadManifest reads a TOML manifest from path. A missing path yields an
// empty manifest, not an error: precaching is optional.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{set: make(map[string]bool)}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading precache manifest: %w", err)
	}

	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing precache manifest: %w", err)
	}

	m.set = make(map[string]bool, len(m.Assets))
	for _, asset := range m.Assets {
		m.set[asset] = true
	}
	return m, nil
}

// Contains reports whether the exact path is in the manifest.
// Matching is exact: no prefix or pattern logic.
func (m *Manifest) Contains(path string) bool {
	return m.set[path]
}
