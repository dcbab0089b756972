package cbt

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Distortion is one of the closed set of cognitive distortion types.
type Distortion string

const (
	AllOrNothingThinking     Distortion = "All-or-Nothing Thinking"
	Overgeneralizing         Distortion = "Overgeneralizing"
	Labeling                 Distortion = "Labeling"
	FortuneTelling           Distortion = "Fortune Telling"
	MindReading              Distortion = "Mind Reading"
	EmotionalReasoning       Distortion = "Emotional Reasoning"
	ShouldStatements         Distortion = "Should Statements"
	Personalizing            Distortion = "Personalizing"
	DisqualifyingThePositive Distortion = "Disqualifying the Positive"
	Catastrophizing          Distortion = "Catastrophizing"
	ComparingAndDespairing   Distortion = "Comparing and Despairing"
	Blaming                  Distortion = "Blaming"
	NegativeFeeling          Distortion = "Negative Feeling or Emotion"
)

// Technique is one of the closed set of CBT techniques.
type Technique string

const (
	GuidedDiscovery            Technique = "Guided Discovery"
	EfficiencyEvaluation       Technique = "Efficiency Evaluation"
	PieChartTechnique          Technique = "Pie Chart Technique"
	AlternativePerspective     Technique = "Alternative Perspective"
	Decatastrophizing          Technique = "Decatastrophizing"
	ScalingQuestions           Technique = "Scaling Questions"
	SocraticQuestioning        Technique = "Socratic Questioning"
	ProsAndConsAnalysis        Technique = "Pros and Cons Analysis"
	ThoughtExperiment          Technique = "Thought Experiment"
	EvidenceBasedQuestioning   Technique = "Evidence-Based Questioning"
	RealityTesting             Technique = "Reality Testing"
	ContinuumTechnique         Technique = "Continuum Technique"
	ChangingRulesToWishes      Technique = "Changing Rules to Wishes"
	BehaviorExperiment         Technique = "Behavior Experiment"
	ActivityScheduling         Technique = "Activity Scheduling"
	ProblemSolvingTraining     Technique = "Problem-Solving Skills Training"
	SelfAssertivenessTraining  Technique = "Self-Assertiveness Training"
	RolePlayingAndSimulation   Technique = "Role-playing and Simulation"
	AssertiveConversation      Technique = "Practice of Assertive Conversation Skills"
	SystematicExposure         Technique = "Systematic Exposure"
	SafetyBehaviorsElimination Technique = "Safety Behaviors Elimination"
)

type catalogEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
	Stages      []string `yaml:"stages"`
}

// Catalog holds the descriptive data for every closed enumeration.
type Catalog struct {
	Distortions   []catalogEntry `yaml:"distortions"`
	Techniques    []catalogEntry `yaml:"techniques"`
	ESCStrategies []catalogEntry `yaml:"esc_strategies"`

	distortionIndex map[string]Distortion
	techniqueIndex  map[string]Technique
	stages          map[Technique][]string
}

var (
	catalogOnce sync.Once
	catalog     *Catalog
	catalogErr  error
)

// Default returns the embedded catalog. It panics if the embedded YAML is
// malformed, which can only happen at build time.
func Default() *Catalog {
	catalogOnce.Do(func() {
		catalog, catalogErr = parseCatalog(catalogYAML)
	})
	if catalogErr != nil {
		panic(fmt.Sprintf("cbt: embedded catalog: %v", catalogErr))
	}
	return catalog
}

func parseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.distortionIndex = make(map[string]Distortion, len(c.Distortions)*2)
	for _, e := range c.Distortions {
		d := Distortion(e.Name)
		c.distortionIndex[normalizeLabel(e.Name)] = d
		for _, a := range e.Aliases {
			c.distortionIndex[normalizeLabel(a)] = d
		}
	}
	c.techniqueIndex = make(map[string]Technique, len(c.Techniques)*2)
	c.stages = make(map[Technique][]string, len(c.Techniques))
	for _, e := range c.Techniques {
		t := Technique(e.Name)
		c.techniqueIndex[normalizeLabel(e.Name)] = t
		for _, a := range e.Aliases {
			c.techniqueIndex[normalizeLabel(a)] = t
		}
		c.stages[t] = e.Stages
	}
	return c, nil
}

func (c *Catalog) DistortionNames() []string { return names(c.Distortions) }
func (c *Catalog) TechniqueNames() []string  { return names(c.Techniques) }

// ESCStrategyDescriptions returns "name: description" lines in catalog order.
func (c *Catalog) ESCStrategyDescriptions() []string {
	out := make([]string, 0, len(c.ESCStrategies))
	for _, e := range c.ESCStrategies {
		out = append(out, e.Name+": "+e.Description)
	}
	return out
}

// Stages returns the ordered stage names of a technique, or nil if unknown.
func (c *Catalog) Stages(t Technique) []string {
	return c.stages[t]
}

// ParseDistortion maps model output onto the distortion enumeration.
func (c *Catalog) ParseDistortion(raw string) Parsed[Distortion] {
	if d, ok := lookupLabel(c.distortionIndex, raw); ok {
		return Parsed[Distortion]{Value: d, Raw: raw}
	}
	return Unrecognized[Distortion](raw)
}

// ParseTechnique maps model output onto the technique enumeration.
func (c *Catalog) ParseTechnique(raw string) Parsed[Technique] {
	if t, ok := lookupLabel(c.techniqueIndex, raw); ok {
		return Parsed[Technique]{Value: t, Raw: raw}
	}
	return Unrecognized[Technique](raw)
}

func names(entries []catalogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// lookupLabel matches exactly after normalization, then falls back to the
// single catalog key contained in the text ("Technique: Reframing." style).
func lookupLabel[T ~string](index map[string]T, raw string) (T, bool) {
	key := normalizeLabel(raw)
	if key == "" {
		var zero T
		return zero, false
	}
	if v, ok := index[key]; ok {
		return v, true
	}
	hits := make(map[T]struct{})
	var match T
	for k, v := range index {
		if strings.Contains(key, k) {
			hits[v] = struct{}{}
			match = v
		}
	}
	if len(hits) == 1 {
		return match, true
	}
	var zero T
	return zero, false
}

func normalizeLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
