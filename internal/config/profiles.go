package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

type MarkerSpec struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// ProfileMarkers is the YAML document pointed to by PROFILES_CONFIG_PATH:
//
//	replace_defaults: false
//	profiles:
//	  AD:
//	    - term: "andorr*"
//	      weight: 1.0
type ProfileMarkers struct {
	ReplaceDefaults bool                    `yaml:"replace_defaults"`
	Profiles        map[string][]MarkerSpec `yaml:"profiles"`
}

// LoadProfileMarkers reads marker overrides keyed by profile tag or alias.
// An empty path yields an empty override set.
func LoadProfileMarkers(path string) (bool, map[domain.Profile][]MarkerSpec, error) {
	if path == "" {
		return false, nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, nil, domain.WrapError(domain.ErrConfiguration, "read profile markers", err)
	}

	var doc ProfileMarkers
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return false, nil, domain.WrapError(domain.ErrConfiguration, "parse profile markers", err)
	}

	out := make(map[domain.Profile][]MarkerSpec, len(doc.Profiles))
	for tag, markers := range doc.Profiles {
		profile, err := domain.ParseProfile(tag)
		if err != nil {
			return false, nil, domain.WrapError(domain.ErrConfiguration, "parse profile markers", err)
		}
		for _, m := range markers {
			if m.Term == "" {
				return false, nil, domain.WrapError(domain.ErrConfiguration, "parse profile markers", fmt.Errorf("empty term for profile %s", profile))
			}
			if m.Weight <= 0 {
				return false, nil, domain.WrapError(domain.ErrConfiguration, "parse profile markers", errors.New("marker weight must be positive: "+m.Term))
			}
		}
		out[profile] = append(out[profile], markers...)
	}
	return doc.ReplaceDefaults, out, nil
}
