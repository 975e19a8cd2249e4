package main

import (
	"embed"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// Bundled configs, selectable by name with --config.
//
//go:embed configs/*.yaml
var configsFS embed.FS

const configExt = ".yaml"

// getEmbeddedConfig returns a bundled config by name, with or without extension.
func getEmbeddedConfig(name string) ([]byte, error) {
	return configsFS.ReadFile(path.Join("configs", strings.TrimSuffix(name, configExt)+configExt))
}

// listEmbeddedConfigs returns the sorted names of the bundled configs.
func listEmbeddedConfigs() ([]string, error) {
	matches, err := fs.Glob(configsFS, "configs/*"+configExt)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(path.Base(m), configExt))
	}
	slices.Sort(names)
	return names, nil
}
