// Package cbt holds the session data model and the closed CBT catalogs
// (distortions, techniques, ESC strategies) used to parse model output.
package cbt

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// None is the sentinel the model returns when nothing applies.
const None = "None"

// NotStartedYet is the usage-log value for a technique never applied.
const NotStartedYet = "not_started_yet"

// IsNone reports whether model output is the "None" sentinel, ignoring
// surrounding whitespace, quotes, backticks and a trailing period.
func IsNone(s string) bool {
	for {
		trimmed := strings.TrimSuffix(strings.Trim(strings.TrimSpace(s), "\"'`"), ".")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return strings.EqualFold(s, None)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Serialize renders the turn as a compact JSON object.
func (t ChatTurn) Serialize() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Transcript is the append-only conversation history of a session.
// It is not safe for concurrent use; the owning session serializes access.
type Transcript struct {
	turns []ChatTurn
}

func (t *Transcript) Append(role Role, content string) {
	t.turns = append(t.turns, ChatTurn{Role: role, Content: content})
}

func (t *Transcript) Len() int { return len(t.turns) }

// Turns returns a copy of the history.
func (t *Transcript) Turns() []ChatTurn {
	out := make([]ChatTurn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Window concatenates the serialized form of the last k turns.
// A non-positive k selects the whole transcript.
func (t *Transcript) Window(k int) string {
	start := 0
	if k > 0 && len(t.turns) > k {
		start = len(t.turns) - k
	}
	var b strings.Builder
	for _, turn := range t.turns[start:] {
		b.WriteString(turn.Serialize())
	}
	return b.String()
}

// String renders the full transcript as a JSON array, the form used when the
// whole history is handed to a prompt as memory.
func (t *Transcript) String() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	turns := t.turns
	if turns == nil {
		turns = []ChatTurn{}
	}
	if err := enc.Encode(turns); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// DistortionFinding is the structured result of distortion detection.
type DistortionFinding struct {
	DistortionType string `json:"distortion_type"`
	Utterance      string `json:"utterance"`
	Score          int    `json:"score"`
}

const (
	MinScore = 1
	MaxScore = 5
)

// NoFinding is the finding reported when detection did not run.
func NoFinding() DistortionFinding {
	return DistortionFinding{DistortionType: None}
}

func (f DistortionFinding) IsNone() bool {
	return f.DistortionType == "" || IsNone(f.DistortionType)
}

// Normalize canonicalizes the type against the catalog and clamps the score.
// Unknown types are kept verbatim.
func (f DistortionFinding) Normalize(c *Catalog) DistortionFinding {
	if f.IsNone() {
		return DistortionFinding{DistortionType: None, Utterance: f.Utterance, Score: f.Score}
	}
	if p := c.ParseDistortion(f.DistortionType); p.Recognized() {
		f.DistortionType = string(p.Value)
	}
	switch {
	case f.Score < MinScore:
		f.Score = MinScore
	case f.Score > MaxScore:
		f.Score = MaxScore
	}
	return f
}

// Metadata flattens the finding for storage alongside a memory entry.
func (f DistortionFinding) Metadata() map[string]string {
	return map[string]string{
		"distortion_type": f.DistortionType,
		"utterance":       f.Utterance,
		"score":           strconv.Itoa(f.Score),
	}
}

// FindingFromMetadata is the inverse of Metadata. Missing keys yield zero values.
func FindingFromMetadata(md map[string]string) DistortionFinding {
	score, _ := strconv.Atoi(md["score"])
	return DistortionFinding{
		DistortionType: md["distortion_type"],
		Utterance:      md["utterance"],
		Score:          score,
	}
}

func (f DistortionFinding) String() string {
	if f.IsNone() {
		return None
	}
	return f.DistortionType + " (score " + strconv.Itoa(f.Score) + "): " + f.Utterance
}

// StageExample is the structured result of stage selection.
type StageExample struct {
	StageName string `json:"stage_name"`
	Example   string `json:"example"`
}

// TechniqueUsageLog maps a technique to the most recently reached stage.
type TechniqueUsageLog struct {
	stages map[string]string
	order  []string
}

func NewTechniqueUsageLog() *TechniqueUsageLog {
	return &TechniqueUsageLog{stages: make(map[string]string)}
}

// Stage returns the last stage recorded for technique, or NotStartedYet.
func (l *TechniqueUsageLog) Stage(technique string) string {
	if s, ok := l.stages[technique]; ok {
		return s
	}
	return NotStartedYet
}

// Record overwrites the stage for technique.
func (l *TechniqueUsageLog) Record(technique, stage string) {
	if _, ok := l.stages[technique]; !ok {
		l.order = append(l.order, technique)
	}
	l.stages[technique] = stage
}

func (l *TechniqueUsageLog) Len() int { return len(l.stages) }

// Snapshot returns a copy of the log.
func (l *TechniqueUsageLog) Snapshot() map[string]string {
	out := make(map[string]string, len(l.stages))
	for k, v := range l.stages {
		out[k] = v
	}
	return out
}

// String renders the log as a JSON object in first-use order, for prompts.
func (l *TechniqueUsageLog) String() string {
	if len(l.order) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range l.order {
		if i > 0 {
			b.WriteString(", ")
		}
		key, _ := json.Marshal(k)
		val, _ := json.Marshal(l.stages[k])
		b.Write(key)
		b.WriteString(": ")
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String()
}
