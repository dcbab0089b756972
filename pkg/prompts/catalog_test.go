package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDoc_FallsBackToEmbedded(t *testing.T) {
	c := NewCatalog(filepath.Join(t.TempDir(), "missing.md"))
	if !strings.Contains(c.Doc(), "# CBT Technique Reference") {
		t.Fatalf("expected embedded document")
	}
}

func TestDoc_LoadsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	c := NewCatalog(path)
	if got := c.Doc(); got != "first" {
		t.Fatalf("Doc() = %q", got)
	}
	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("rewrite doc: %v", err)
	}
	if got := c.Doc(); got != "first" {
		t.Fatalf("document reloaded: %q", got)
	}
}

func TestDistortionDetection_ListsCatalog(t *testing.T) {
	p := NewCatalog("").DistortionDetection(`{"role":"user","content":"I'm a loser"}`)
	for _, want := range []string{`"All-or-Nothing Thinking"`, `"Negative Feeling or Emotion"`, `I'm a loser`, "distortion_type, utterance, score"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestTechniqueSelection_ListsAllTechniques(t *testing.T) {
	p := NewCatalog("").TechniqueSelection("Labeling", "[]")
	if n := strings.Count(p, `", "`); n != 20 {
		t.Fatalf("expected 21 quoted techniques, got %d separators", n)
	}
	if !strings.Contains(p, "Labeling") {
		t.Fatalf("distortion type missing")
	}
}

func TestStageSelection_DefaultsProgressToCatalogStages(t *testing.T) {
	p := NewCatalog("").StageSelection("Decatastrophizing", "", "{}", "dialogue")
	if !strings.Contains(p, "1. Identify the feared outcome -> 2. Estimate its likelihood") {
		t.Fatalf("expected stage sequence in prompt:\n%s", p)
	}
}

func TestStageAndExample_UnknownTechnique(t *testing.T) {
	p := NewCatalog("").StageAndExample("Reframing", "{}", "dialogue")
	if !strings.Contains(p, "# Stages of Reframing\nNone") {
		t.Fatalf("expected None stages for unknown technique:\n%s", p)
	}
}

func TestFinalResponse(t *testing.T) {
	c := NewCatalog("")
	p := c.FinalResponse(FinalInput{Dialogue: "hello"})
	if strings.Count(p, "```\nNone```") != 3 {
		t.Fatalf("expected None for technique, stage and example:\n%s", p)
	}
	if strings.Contains(p, "what you remember") {
		t.Fatalf("relevant memory section rendered without memory")
	}
	if !strings.Contains(p, "- Reflection of Feelings: ") {
		t.Fatalf("ESC strategies missing")
	}

	p = c.FinalResponse(FinalInput{Dialogue: "hello", Technique: "Socratic Questioning", Stage: "Clarify the thought", Example: "What do you mean?", RelevantMemory: "feels lonely"})
	for _, want := range []string{"Socratic Questioning", "Clarify the thought", "What do you mean?", "feels lonely", "# CBT Technique Reference"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
