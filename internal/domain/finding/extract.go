package finding

import "strings"

// Labels produced by Extract when no specific condition is found.
const (
	LabelNormal      = "normal"
	LabelAbnormality = "radiographic abnormality"
)

// negationWindow is how many bytes before a condition phrase are scanned for negations.
const negationWindow = 20

type condition struct {
	phrase string
	label  string
}

// conditions maps report phrases to labels. Multi-word phrases come before the
// single words they contain so "pleural effusion" wins over a bare "effusion".
var conditions = []condition{
	{"emphysema", "emphysema"},
	{"hyperinflated", "emphysema"},
	{"hyperlucency", "emphysema"},
	{"pneumonia", "pneumonia"},
	{"pleural effusion", "pleural effusion"},
	{"effusion", "pleural effusion"},
	{"atelectasis", "atelectasis"},
	{"cardiac silhouette is enlarged", "cardiomegaly"},
	{"enlarged heart", "cardiomegaly"},
	{"cardiomegaly", "cardiomegaly"},
	{"pulmonary edema", "pulmonary edema"},
	{"pneumothorax", "pneumothorax"},
	{"consolidation", "consolidation"},
	{"fibrosis", "fibrosis"},
	{"nodule", "nodule"},
	{"mass", "mass"},
	{"fracture", "fracture"},
	{"tuberculosis", "tuberculosis"},
	{"covid-19", "covid-19"},
	{"bronchitis", "bronchitis"},
	{"lung cancer", "lung cancer"},
	{"pulmonary embolism", "pulmonary embolism"},
	{"interstitial markings", "interstitial disease"},
}

var negations = []string{"no ", "without ", "absence of", "rule out", "r/o"}

var normalPhrases = []string{
	"normal chest", "clear lungs", "unremarkable", "no acute", "no active disease", "within normal limits",
}

var negatedPatterns = []string{
	"no pneumonia", "no consolidation", "no pleural effusion", "no pneumothorax", "no mass", "no nodules", "no fracture",
}

// Extract derives finding labels from free report text. Every condition phrase
// that appears at least once without a negation in the preceding window yields
// its label. With no positive condition the report is "normal" when it carries
// an explicit normal phrase or at least two negated patterns, otherwise
// "radiographic abnormality". The result is sorted by first appearance in the
// condition catalogue and never empty.
func Extract(text string) []string {
	lower := strings.ToLower(text)

	var labels []string
	seen := make(map[string]struct{})
	for _, c := range conditions {
		if _, ok := seen[c.label]; ok {
			continue
		}
		if hasPositiveMention(lower, c.phrase) {
			seen[c.label] = struct{}{}
			labels = append(labels, c.label)
		}
	}
	if len(labels) > 0 {
		return labels
	}

	negCount := 0
	for _, p := range negatedPatterns {
		if strings.Contains(lower, p) {
			negCount++
		}
	}
	for _, p := range normalPhrases {
		if strings.Contains(lower, p) {
			return []string{LabelNormal}
		}
	}
	if negCount >= 2 {
		return []string{LabelNormal}
	}
	return []string{LabelAbnormality}
}

// hasPositiveMention reports whether phrase occurs at least once without a negation cue before it.
func hasPositiveMention(lower, phrase string) bool {
	offset := 0
	for {
		i := strings.Index(lower[offset:], phrase)
		if i < 0 {
			return false
		}
		pos := offset + i
		start := pos - negationWindow
		if start < 0 {
			start = 0
		}
		if !containsAny(lower[start:pos], negations) {
			return true
		}
		offset = pos + len(phrase)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
