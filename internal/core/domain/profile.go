package domain

import (
	"fmt"
	"strings"
)

// Profile identifies a jurisdiction/persona scope of the fiscal corpus.
type Profile string

const (
	ProfileFRParticulier Profile = "FR_PARTICULIER"
	ProfileAndorra       Profile = "AD"
	ProfileLuxembourg    Profile = "LU"
	ProfileSwitzerland   Profile = "CH"
)

// Profiles lists every known profile in priority order.
var Profiles = []Profile{
	ProfileFRParticulier,
	ProfileAndorra,
	ProfileLuxembourg,
	ProfileSwitzerland,
}

var profileAliases = map[string]Profile{
	"fr_particulier":     ProfileFRParticulier,
	"fr-particulier":     ProfileFRParticulier,
	"particulier":        ProfileFRParticulier,
	"particulier-france": ProfileFRParticulier,
	"particulier_france": ProfileFRParticulier,
	"france":             ProfileFRParticulier,
	"fr":                 ProfileFRParticulier,
	"ad":                 ProfileAndorra,
	"andorra":            ProfileAndorra,
	"andorre":            ProfileAndorra,
	"lu":                 ProfileLuxembourg,
	"luxembourg":         ProfileLuxembourg,
	"ch":                 ProfileSwitzerland,
	"suisse":             ProfileSwitzerland,
	"switzerland":        ProfileSwitzerland,
	"schweiz":            ProfileSwitzerland,
}

// ParseProfile resolves a tag or directory alias to a known profile.
func ParseProfile(raw string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if p, ok := profileAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown profile tag %q", raw)
}

func (p Profile) Valid() bool {
	return p.Priority() >= 0
}

// Priority is the declaration index of the profile, -1 when unknown.
func (p Profile) Priority() int {
	for i, known := range Profiles {
		if known == p {
			return i
		}
	}
	return -1
}

func (p Profile) String() string {
	return string(p)
}
