package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/diagnosis"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
)

type impression struct {
	summary    string
	findings   string
	assessment string
}

var impressions = map[string]impression{
	finding.LabelNormal: {
		summary:    "Normal chest radiographic examination.",
		findings:   "Lung fields are clear bilaterally with normal vascularity. Cardiac silhouette and mediastinal contours are within normal limits. No pneumothorax, pleural effusion or focal consolidation.",
		assessment: "No acute cardiopulmonary abnormality identified.",
	},
	"pneumonia": {
		summary:    "Findings consistent with pneumonia.",
		findings:   "Areas of increased opacity and consolidation suggest an acute inflammatory process of the pulmonary parenchyma, possibly with air bronchograms.",
		assessment: "Radiographic features support clinical suspicion of pneumonia. Correlate with symptoms and laboratory findings.",
	},
	"pleural effusion": {
		summary:    "Pleural effusion identified.",
		findings:   "Fluid in the pleural space with meniscus sign and blunting of the costophrenic angles. Adjacent lung expansion is assessed.",
		assessment: "Pleural effusion present. Clinical correlation recommended to establish the underlying cause.",
	},
	"cardiomegaly": {
		summary:    "Cardiac enlargement identified.",
		findings:   "Enlarged cardiac silhouette with increased cardiothoracic ratio. Pulmonary vascularity is evaluated for congestion or redistribution.",
		assessment: "Cardiomegaly noted. Echocardiography and cardiac evaluation recommended.",
	},
	"pneumothorax": {
		summary:    "Pneumothorax identified.",
		findings:   "Air in the pleural space with a visible visceral pleural line. The degree of lung collapse and any mediastinal shift are assessed.",
		assessment: "Pneumothorax present. Prompt clinical attention recommended based on size and symptoms.",
	},
	"atelectasis": {
		summary:    "Atelectasis identified.",
		findings:   "Volume loss and increased opacity consistent with segmental or lobar collapse, with compensatory changes in adjacent structures.",
		assessment: "Atelectasis present. Further evaluation may be needed to determine the underlying cause.",
	},
	"emphysema": {
		summary:    "Changes consistent with emphysema.",
		findings:   "Hyperinflated lung fields with flattened diaphragms and attenuated pulmonary vascularity.",
		assessment: "Features consistent with emphysematous change. Pulmonary function testing recommended.",
	},
	finding.LabelAbnormality: {
		summary:    "Radiographic abnormality identified requiring further evaluation.",
		findings:   "Radiographic features deviate from normal chest anatomy and warrant additional investigation.",
		assessment: "Additional imaging or clinical evaluation recommended for definitive characterization.",
	},
	strings.ToLower(diagnosis.IndeterminateLabel): {
		summary:    "Indeterminate examination.",
		findings:   "No sufficiently similar prior cases were retrieved to support a finding.",
		assessment: "Clinical correlation and radiologist review recommended.",
	},
}

// Similar cases must be at least this similar to contribute pattern notes.
const correlationMinSimilarity = 0.7

var correlationPatterns = []struct {
	keyword string
	note    string
}{
	{"bilateral", "bilateral involvement"},
	{"acute", "acute presentation"},
	{"chronic", "chronic changes"},
}

// impressionText renders the narrative for the primary estimate. Labels
// without a catalogue entry get a generic sentence naming the label. Up to two
// of the closest similar cases that share the primary label add a clinical
// correlation note built from recurring report patterns.
func impressionText(primary diagnosis.Estimate, similar []similarCase) string {
	label := strings.ToLower(primary.Label())
	imp, ok := impressions[label]
	if !ok {
		imp = impression{
			summary:    fmt.Sprintf("Findings suggestive of %s.", label),
			findings:   fmt.Sprintf("Radiographic features resemble prior cases reported with %s.", label),
			assessment: "Clinical correlation recommended.",
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IMPRESSION: %s\n\nFINDINGS: %s\n\nASSESSMENT: %s", imp.summary, imp.findings, imp.assessment)
	if notes := correlationNotes(label, similar); len(notes) > 0 {
		fmt.Fprintf(&b, "\n\nCLINICAL CORRELATION: Based on similar radiographic patterns, findings may demonstrate %s. "+
			"Correlation with patient history and clinical presentation recommended.", strings.Join(notes, ", "))
	}
	return b.String()
}

type similarCase struct {
	record     casefile.Record
	similarity float64
	rank       int
}

func correlationNotes(label string, similar []similarCase) []string {
	top := make([]similarCase, len(similar))
	copy(top, similar)
	sort.SliceStable(top, func(i, j int) bool { return top[i].rank < top[j].rank })
	if len(top) > 2 {
		top = top[:2]
	}

	seen := make(map[string]struct{})
	var notes []string
	for _, c := range top {
		if c.similarity <= correlationMinSimilarity || !c.record.HasTag(label) {
			continue
		}
		text := strings.ToLower(c.record.ReportText())
		for _, p := range correlationPatterns {
			if _, dup := seen[p.note]; dup || !strings.Contains(text, p.keyword) {
				continue
			}
			seen[p.note] = struct{}{}
			notes = append(notes, p.note)
		}
	}
	return notes
}
