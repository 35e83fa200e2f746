package providercfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aigateway/core/internal/gatewayerr"
)

// LoadDirectory reads every *.json file directly under dir, each expected to
// contain a single ProviderConfig, and installs the result into r via
// LoadProviders. Files are read in sorted-name order, so when two files
// declare the same provider id the later name wins on every run.
func (r *Registry) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return gatewayerr.InternalWrap(err, "read provider config directory %q", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	configs := make([]*ProviderConfig, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return gatewayerr.InternalWrap(err, "read provider config %q", path)
		}
		var cfg ProviderConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindValidation, fmt.Sprintf("parse provider config %q", path), err)
		}
		if cfg.ID == "" {
			return gatewayerr.Validation("provider config %q missing id", path)
		}
		configs = append(configs, &cfg)
	}
	r.LoadProviders(configs)
	return nil
}

// NewRegistryFromEnv constructs a Registry backed by os.LookupEnv.
func NewRegistryFromEnv() *Registry {
	return NewRegistry(os.LookupEnv)
}
