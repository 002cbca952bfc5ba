package casefile

import (
	"reflect"
	"strings"
	"testing"
)

func TestNew_Valid(t *testing.T) {
	meta := map[string]string{"view": "PA"}
	r, err := New("case-1", "Right lower lobe pneumonia.", []string{"Pneumonia", "effusion", "pneumonia"}, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID() != "case-1" {
		t.Errorf("expected id case-1, got %q", r.ID())
	}
	if !reflect.DeepEqual(r.Tags(), []string{"effusion", "pneumonia"}) {
		t.Errorf("expected sorted normalized tags, got %v", r.Tags())
	}
	if !r.HasTag("pneumonia") || r.HasTag("normal") {
		t.Error("HasTag gave wrong answer")
	}
	if r.Embedding() != nil {
		t.Error("expected no embedding on a new record")
	}

	meta["view"] = "AP"
	if r.Metadata()["view"] != "PA" {
		t.Error("metadata must be copied on construction")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		id   string
		text string
	}{
		{"empty id", "", "text"},
		{"bad id chars", "case 1", "text"},
		{"id too long", strings.Repeat("a", 257), "text"},
		{"empty report", "c1", ""},
		{"report too large", "c1", strings.Repeat("x", MaxReportSize+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.id, tc.text, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWithEmbedding_LeavesOriginalUntouched(t *testing.T) {
	r, _ := New("c1", "text", nil, nil)
	withVec := r.WithEmbedding([]float32{1, 2})
	if r.Embedding() != nil {
		t.Error("original record must not change")
	}
	if len(withVec.Embedding()) != 2 || withVec.ID() != "c1" {
		t.Errorf("unexpected copy: %+v", withVec)
	}
}

func TestExcerpt(t *testing.T) {
	r, _ := New("c1", "Ünïcödé report", nil, nil)
	if got := r.Excerpt(5); got != "Ünïcö..." {
		t.Errorf("got %q", got)
	}
	if got := r.Excerpt(100); got != "Ünïcödé report" {
		t.Errorf("got %q", got)
	}
}
