package usecase

import (
	"testing"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

type centroidsFake map[domain.Profile][]float32

func (c centroidsFake) Centroid(p domain.Profile) ([]float32, bool) {
	v, ok := c[p]
	return v, ok
}

func TestProfileDetectorDefaultsWithoutSignal(t *testing.T) {
	d := NewProfileDetector(DefaultProfileDetectorConfig())

	got := d.Detect("bonjour, une question générale", nil, nil)
	if len(got) != 1 {
		t.Fatalf("expected single default result, got %v", got)
	}
	if got[0].Profile != domain.ProfileFRParticulier || got[0].Confidence != 0.2 {
		t.Fatalf("unexpected default result %+v", got[0])
	}
}

func TestProfileDetectorEmptyQuestion(t *testing.T) {
	d := NewProfileDetector(DefaultProfileDetectorConfig())
	if got := d.Detect("", nil, nil); len(got) != 1 || got[0].Profile != domain.ProfileFRParticulier {
		t.Fatalf("expected default profile for empty question, got %v", got)
	}
}

func TestProfileDetectorLexicalMarkersIgnoreAccentsAndCase(t *testing.T) {
	d := NewProfileDetector(DefaultProfileDetectorConfig())

	got := d.Detect("Quelle fiscalité pour un résident d'ANDORRE ?", nil, nil)
	if got[0].Profile != domain.ProfileAndorra {
		t.Fatalf("expected AD first, got %v", got)
	}
	if got[0].Confidence < 0.69 || got[0].Confidence > 1 {
		t.Fatalf("unexpected confidence %v", got[0].Confidence)
	}

	got = d.Detect("Impôt fédéral direct à Genève", nil, nil)
	if got[0].Profile != domain.ProfileSwitzerland {
		t.Fatalf("expected CH first, got %v", got)
	}
}

func TestProfileDetectorWholeWordMatch(t *testing.T) {
	d := NewProfileDetector(ProfileDetectorConfig{
		Markers: map[domain.Profile][]Marker{
			domain.ProfileLuxembourg: {{Term: "acd", Weight: 1}},
		},
	})
	if got := d.Detect("les cascades", nil, nil); got[0].Profile != domain.ProfileFRParticulier || got[0].Confidence != 0.2 {
		t.Fatalf("substring must not match a whole-word marker, got %v", got)
	}
	if got := d.Detect("selon l'ACD", nil, nil); got[0].Profile != domain.ProfileLuxembourg {
		t.Fatalf("expected LU, got %v", got)
	}
}

func TestProfileDetectorSemanticSignal(t *testing.T) {
	d := NewProfileDetector(DefaultProfileDetectorConfig())
	centroids := centroidsFake{
		domain.ProfileFRParticulier: {1, 0, 0},
		domain.ProfileLuxembourg:    {0, 1, 0},
	}

	got := d.Detect("question neutre", []float32{0, 1, 0}, centroids)
	if got[0].Profile != domain.ProfileLuxembourg {
		t.Fatalf("expected LU from semantic signal, got %v", got)
	}
	if got[0].Confidence < 0.29 || got[0].Confidence > 0.31 {
		t.Fatalf("expected semantic-only confidence ~0.3, got %v", got[0].Confidence)
	}

	weak := d.Detect("question neutre", []float32{1, 1, 8}, centroids)
	if len(weak) != 1 || weak[0].Confidence != 0.2 {
		t.Fatalf("semantic signal under the floor must fall back to default, got %v", weak)
	}
}

func TestProfileDetectorOrdering(t *testing.T) {
	d := NewProfileDetector(ProfileDetectorConfig{
		Markers: map[domain.Profile][]Marker{
			domain.ProfileSwitzerland:   {{Term: "commun", Weight: 0.5}},
			domain.ProfileAndorra:       {{Term: "commun", Weight: 0.5}},
			domain.ProfileFRParticulier: {{Term: "rare", Weight: 0.2}},
		},
	})
	got := d.Detect("un terme commun et rare", nil, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %v", got)
	}
	if got[0].Profile != domain.ProfileAndorra || got[1].Profile != domain.ProfileSwitzerland || got[2].Profile != domain.ProfileFRParticulier {
		t.Fatalf("unexpected order %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Confidence > got[i-1].Confidence {
			t.Fatalf("confidences not descending: %v", got)
		}
	}
}

func TestProfileDetectorPrefixMarker(t *testing.T) {
	d := NewProfileDetector(DefaultProfileDetectorConfig())
	got := d.Detect("les cantons romands", nil, nil)
	if got[0].Profile != domain.ProfileSwitzerland {
		t.Fatalf("expected prefix marker canton* to match, got %v", got)
	}
}
