package usecase

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// Marker is a lexical signal for a profile. A term ending with "*" matches
// any word starting with the prefix; other terms match whole words.
type Marker struct {
	Term   string  `yaml:"term" json:"term"`
	Weight float64 `yaml:"weight" json:"weight"`
}

type ProfileDetectorConfig struct {
	Markers           map[domain.Profile][]Marker
	LexicalWeight     float64
	SemanticWeight    float64
	SemanticFloor     float64
	DefaultProfile    domain.Profile
	DefaultConfidence float64
}

// CentroidLookup exposes the per-profile mean embeddings of a snapshot.
type CentroidLookup interface {
	Centroid(profile domain.Profile) ([]float32, bool)
}

func DefaultProfileDetectorConfig() ProfileDetectorConfig {
	return ProfileDetectorConfig{
		Markers:           DefaultMarkers(),
		LexicalWeight:     0.7,
		SemanticWeight:    0.3,
		SemanticFloor:     0.35,
		DefaultProfile:    domain.ProfileFRParticulier,
		DefaultConfidence: 0.2,
	}
}

func DefaultMarkers() map[domain.Profile][]Marker {
	return map[domain.Profile][]Marker{
		domain.ProfileFRParticulier: {
			{Term: "france", Weight: 0.6},
			{Term: "francais*", Weight: 0.4},
			{Term: "code general des impots", Weight: 0.8},
			{Term: "cgi", Weight: 0.6},
			{Term: "bofip", Weight: 0.8},
			{Term: "impots.gouv", Weight: 0.6},
			{Term: "impot sur le revenu", Weight: 0.5},
			{Term: "prelevement forfaitaire unique", Weight: 0.7},
			{Term: "pfu", Weight: 0.6},
			{Term: "flat tax", Weight: 0.4},
			{Term: "csg", Weight: 0.6},
			{Term: "crds", Weight: 0.6},
			{Term: "ifi", Weight: 0.6},
			{Term: "pea", Weight: 0.5},
			{Term: "assurance vie", Weight: 0.4},
			{Term: "quotient familial", Weight: 0.6},
			{Term: "taxe fonciere", Weight: 0.5},
			{Term: "micro foncier", Weight: 0.6},
			{Term: "lmnp", Weight: 0.6},
			{Term: "plus value*", Weight: 0.3},
			{Term: "imposition", Weight: 0.2},
			{Term: "immobili*", Weight: 0.2},
		},
		domain.ProfileAndorra: {
			{Term: "andorr*", Weight: 1.0},
			{Term: "principat*", Weight: 0.5},
			{Term: "igi", Weight: 0.8},
			{Term: "irpf", Weight: 0.4},
			{Term: "cass", Weight: 0.4},
			{Term: "residence passive", Weight: 0.7},
			{Term: "residencia passiva", Weight: 0.7},
			{Term: "comu", Weight: 0.3},
		},
		domain.ProfileLuxembourg: {
			{Term: "luxembourg*", Weight: 1.0},
			{Term: "grand duche", Weight: 0.8},
			{Term: "administration des contributions directes", Weight: 0.8},
			{Term: "acd", Weight: 0.5},
			{Term: "soparfi", Weight: 0.8},
			{Term: "classe d impot", Weight: 0.5},
			{Term: "frontalier*", Weight: 0.3},
		},
		domain.ProfileSwitzerland: {
			{Term: "suisse*", Weight: 1.0},
			{Term: "switzerland", Weight: 1.0},
			{Term: "schweiz", Weight: 1.0},
			{Term: "helveti*", Weight: 0.8},
			{Term: "canton*", Weight: 0.6},
			{Term: "chf", Weight: 0.7},
			{Term: "impot federal direct", Weight: 0.8},
			{Term: "ifd", Weight: 0.7},
			{Term: "avs", Weight: 0.5},
			{Term: "lpp", Weight: 0.5},
			{Term: "pilier 3a", Weight: 0.7},
			{Term: "forfait fiscal", Weight: 0.6},
			{Term: "geneve", Weight: 0.7},
			{Term: "vaud", Weight: 0.6},
			{Term: "zurich", Weight: 0.7},
		},
	}
}

type compiledMarker struct {
	phrase string
	prefix bool
	weight float64
}

// ProfileDetector scores profiles by lexical markers and similarity to the
// profile centroids. Confidences share one scale but are not probabilities.
type ProfileDetector struct {
	cfg     ProfileDetectorConfig
	markers map[domain.Profile][]compiledMarker
}

func NewProfileDetector(cfg ProfileDetectorConfig) *ProfileDetector {
	def := DefaultProfileDetectorConfig()
	if cfg.Markers == nil {
		cfg.Markers = def.Markers
	}
	if cfg.LexicalWeight < 0 {
		cfg.LexicalWeight = 0
	}
	if cfg.SemanticWeight < 0 {
		cfg.SemanticWeight = 0
	}
	if cfg.LexicalWeight+cfg.SemanticWeight == 0 {
		cfg.LexicalWeight, cfg.SemanticWeight = def.LexicalWeight, def.SemanticWeight
	}
	if !cfg.DefaultProfile.Valid() {
		cfg.DefaultProfile = def.DefaultProfile
	}
	if cfg.DefaultConfidence <= 0 || cfg.DefaultConfidence > 1 {
		cfg.DefaultConfidence = def.DefaultConfidence
	}

	compiled := make(map[domain.Profile][]compiledMarker, len(cfg.Markers))
	for profile, markers := range cfg.Markers {
		for _, m := range markers {
			term := strings.TrimSpace(m.Term)
			prefix := strings.HasSuffix(term, "*")
			phrase := strings.Join(tokenize(strings.TrimSuffix(term, "*")), " ")
			if phrase == "" || m.Weight <= 0 {
				continue
			}
			compiled[profile] = append(compiled[profile], compiledMarker{phrase: phrase, prefix: prefix, weight: m.Weight})
		}
	}
	return &ProfileDetector{cfg: cfg, markers: compiled}
}

// Detect never returns an empty slice: without any profile signal it yields
// the default profile with a low confidence. queryVector and centroids may be
// nil, in which case only lexical signals are used.
func (d *ProfileDetector) Detect(question string, queryVector []float32, centroids CentroidLookup) []domain.ProfileDetectionResult {
	text := " " + strings.Join(tokenize(question), " ") + " "

	results := make([]domain.ProfileDetectionResult, 0, len(domain.Profiles))
	signal := false
	for _, profile := range domain.Profiles {
		lexical := d.lexicalScore(profile, text)
		semantic := 0.0
		if centroids != nil && len(queryVector) > 0 {
			if centroid, ok := centroids.Centroid(profile); ok {
				semantic = clamp01(cosineSimilarity(queryVector, centroid))
			}
		}
		if lexical > 0 || semantic >= d.cfg.SemanticFloor {
			signal = true
		}

		confidence := clamp01(d.cfg.LexicalWeight*lexical + d.cfg.SemanticWeight*semantic)
		if confidence > 0 {
			results = append(results, domain.ProfileDetectionResult{Profile: profile, Confidence: confidence})
		}
	}

	if !signal || len(results) == 0 {
		return []domain.ProfileDetectionResult{{
			Profile:    d.cfg.DefaultProfile,
			Confidence: d.cfg.DefaultConfidence,
		}}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Profile.Priority() < results[j].Profile.Priority()
	})
	return results
}

func (d *ProfileDetector) lexicalScore(profile domain.Profile, text string) float64 {
	score := 0.0
	for _, m := range d.markers[profile] {
		needle := " " + m.phrase
		if !m.prefix {
			needle += " "
		}
		if strings.Contains(text, needle) {
			score += m.weight
		}
	}
	return clamp01(score)
}

// tokenize lower-cases, strips diacritics and splits on anything that is not
// a letter, a digit or a dot inside a word.
func tokenize(s string) []string {
	// Chained transformers keep state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
