package shelfcache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// defaultManifest lists the core assets precached at install time.
// The placeholder images must be present so callers can substitute
// them whenever the engine answers with a sentinel.
var defaultManifest = []string{
	"/",
	"/index.html",
	"/assets/images/book-placeholder.png",
	"/assets/images/avatar-placeholder.png",
}

// FileConfig is the on-disk configuration for the cache binary.
type FileConfig struct {
	Origin     string `yaml:"origin"`
	Port       int    `yaml:"port"`
	DBFile     string `yaml:"db"`
	Generation int    `yaml:"generation"`
	// Static assets precached at install. Defaults to the core app
	// shell and placeholder images if empty.
	StaticAssets []string `yaml:"staticAssets"`
	// Cover hosts handled by the cover strategy, replacing the
	// built-in provider list when set.
	CoverHosts []string `yaml:"coverHosts"`
}

// LoadConfig reads the YAML config file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	if err != nil {
		return config, err
	}
	if config.StaticAssets == nil {
		config.StaticAssets = defaultManifest
	}
	return config, nil
}

// DefaultManifest returns the built-in install manifest.
func DefaultManifest() []string {
	manifest := make([]string, len(defaultManifest))
	copy(manifest, defaultManifest)
	return manifest
}
