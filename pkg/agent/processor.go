// CoCoA - CBT counseling agent
// License: MIT
//
// Copyright (c) 2026 CoCoA contributors

package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/memory"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/prompts"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

// Branch is the path a turn took at the readiness gate.
type Branch string

const (
	// BranchBootstrap answers without a CBT technique because no distortion
	// has been stored for the session yet.
	BranchBootstrap        Branch = "bootstrap"
	BranchTechniqueApplied Branch = "technique_applied"
)

// TurnResult describes one processed turn.
type TurnResult struct {
	Response  string
	Finding   cbt.DistortionFinding
	Insight   string
	Branch    Branch
	Technique cbt.Parsed[cbt.Technique]
	Stage     string
	Example   string
	// RelevantMemory is the retrieval summary; empty when retrieval is off or
	// the turn bootstrapped.
	RelevantMemory string
}

// TechniqueName is the technique used, or "None" on the bootstrap branch.
func (r TurnResult) TechniqueName() string {
	if name := r.Technique.String(); name != "" {
		return name
	}
	return cbt.None
}

// StageName is the stage used, or "None" on the bootstrap branch.
func (r TurnResult) StageName() string {
	if r.Stage != "" {
		return r.Stage
	}
	return cbt.None
}

// Options tune the pipeline. Zero values take the documented defaults.
type Options struct {
	UseWindowedContext bool
	WindowTurns        int
	RetrievalTopK      int
	RelevantMemory     string // diagnostic | prompt | off
	StageMode          string // structured | number
	StepTimeout        time.Duration
	TurnTimeout        time.Duration
}

const (
	defaultWindowTurns   = 3
	defaultRetrievalTopK = 5
	defaultStepTimeout   = 90 * time.Second
	defaultTurnTimeout   = 300 * time.Second
)

func OptionsFromConfig(c config.AgentConfig) Options {
	return Options{
		UseWindowedContext: c.UseWindowedContext,
		WindowTurns:        c.WindowTurns,
		RetrievalTopK:      c.RetrievalTopK,
		RelevantMemory:     c.RelevantMemory,
		StageMode:          c.StageMode,
		StepTimeout:        time.Duration(c.StepTimeoutSeconds) * time.Second,
		TurnTimeout:        time.Duration(c.TurnTimeoutSeconds) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.WindowTurns <= 0 {
		o.WindowTurns = defaultWindowTurns
	}
	if o.RetrievalTopK <= 0 {
		o.RetrievalTopK = defaultRetrievalTopK
	}
	if o.RelevantMemory == "" {
		o.RelevantMemory = config.RelevantMemoryDiagnostic
	}
	if o.StageMode == "" {
		o.StageMode = config.StageModeStructured
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = defaultStepTimeout
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = defaultTurnTimeout
	}
	return o
}

// Processor runs the per-turn pipeline against a session. It holds no
// conversation state of its own and is safe for concurrent use across
// sessions.
type Processor struct {
	llm     providers.LanguageModel
	store   memory.Store
	prompts *prompts.Catalog
	catalog *cbt.Catalog
	opts    Options
}

func NewProcessor(llm providers.LanguageModel, store memory.Store, catalog *prompts.Catalog, opts Options) (*Processor, error) {
	if llm == nil {
		return nil, fmt.Errorf("%w: language model is required", ErrUninitialized)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: memory store is required", ErrUninitialized)
	}
	if catalog == nil {
		catalog = prompts.NewCatalog("")
	}
	return &Processor{
		llm:     llm,
		store:   store,
		prompts: catalog,
		catalog: cbt.Default(),
		opts:    opts.withDefaults(),
	}, nil
}

// turnPlan is everything decided before the response is generated.
type turnPlan struct {
	result      TurnResult
	finalPrompt string
}

// ProcessTurn runs one full turn in batch mode.
func (p *Processor) ProcessTurn(ctx context.Context, sess *Session, utterance string) (*TurnResult, error) {
	if err := p.ready(sess); err != nil {
		return nil, err
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, ErrEmptyInput
	}
	if !sess.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer sess.turn.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()

	plan, err := p.prepare(ctx, sess, utterance)
	if err != nil {
		return nil, err
	}

	var response string
	err = p.step(ctx, func(ctx context.Context) error {
		var err error
		response, err = p.llm.Complete(ctx, plan.finalPrompt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	sess.append(cbt.RoleAssistant, response)
	plan.result.Response = response
	logger.InfoCF("agent", "Turn completed", map[string]interface{}{
		"session_key":  sess.Key(),
		"branch":       string(plan.result.Branch),
		"response_len": len(response),
	})
	return &plan.result, nil
}

func (p *Processor) ready(sess *Session) error {
	if p == nil || p.llm == nil || p.store == nil {
		return ErrUninitialized
	}
	if sess == nil {
		return fmt.Errorf("%w: session is required", ErrUninitialized)
	}
	return nil
}

// prepare runs every step up to, but not including, response generation.
// The user turn is appended first and stays appended on failure.
func (p *Processor) prepare(ctx context.Context, sess *Session, utterance string) (*turnPlan, error) {
	sess.append(cbt.RoleUser, utterance)
	dialogue := sess.window(p.opts.WindowTurns)
	unit := dialogue
	if !p.opts.UseWindowedContext {
		unit = utterance
	}

	finding, insight, err := p.analyze(ctx, unit)
	if err != nil {
		return nil, err
	}
	logger.InfoCF("agent", "Utterance analyzed", map[string]interface{}{
		"session_key":     sess.Key(),
		"distortion_type": finding.DistortionType,
		"score":           finding.Score,
		"insight":         insight,
	})

	if err := p.remember(ctx, sess, utterance, finding, insight); err != nil {
		return nil, err
	}

	var stored int
	err = p.step(ctx, func(ctx context.Context) error {
		var err error
		stored, err = p.store.Count(ctx, sess.partition(memory.KindDistortion))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("count distortion memory: %w", err)
	}

	plan := &turnPlan{result: TurnResult{Finding: finding, Insight: insight}}
	if stored < 1 {
		plan.result.Branch = BranchBootstrap
		plan.finalPrompt = p.prompts.FinalResponse(prompts.FinalInput{Dialogue: dialogue})
		logger.DebugCF("agent", "No distortion memory yet, answering without a technique", map[string]interface{}{
			"session_key": sess.Key(),
		})
		return plan, nil
	}

	plan.result.Branch = BranchTechniqueApplied
	if err := p.applyTechnique(ctx, sess, dialogue, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// analyze runs distortion detection and insight extraction concurrently.
func (p *Processor) analyze(ctx context.Context, unit string) (cbt.DistortionFinding, string, error) {
	var (
		finding cbt.DistortionFinding
		insight string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.step(gctx, func(ctx context.Context) error {
			v, err := completeStructured(ctx, p.llm, p.prompts.DistortionDetection(unit), KindDistortionFinding)
			if err != nil {
				return fmt.Errorf("detect distortion: %w", err)
			}
			finding = v.Finding.Normalize(p.catalog)
			return nil
		})
	})
	g.Go(func() error {
		return p.step(gctx, func(ctx context.Context) error {
			out, err := p.llm.Complete(ctx, p.prompts.InsightExtraction(unit))
			if err != nil {
				return fmt.Errorf("extract insight: %w", err)
			}
			insight = strings.TrimSpace(out)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return cbt.DistortionFinding{}, "", err
	}
	return finding, insight, nil
}

// remember stores the finding and the insight unless they are the sentinel.
func (p *Processor) remember(ctx context.Context, sess *Session, utterance string, finding cbt.DistortionFinding, insight string) error {
	if !finding.IsNone() {
		doc := strings.TrimSpace(finding.Utterance)
		if doc == "" {
			doc = utterance
		}
		err := p.step(ctx, func(ctx context.Context) error {
			return p.store.Upsert(ctx, sess.partition(memory.KindDistortion), uuid.NewString(), doc, finding.Metadata())
		})
		if err != nil {
			return fmt.Errorf("store distortion: %w", err)
		}
	}
	if insight != "" && !cbt.IsNone(insight) {
		err := p.step(ctx, func(ctx context.Context) error {
			return p.store.Upsert(ctx, sess.partition(memory.KindInsight), uuid.NewString(), insight, nil)
		})
		if err != nil {
			return fmt.Errorf("store insight: %w", err)
		}
	}
	return nil
}

func (p *Processor) applyTechnique(ctx context.Context, sess *Session, dialogue string, plan *turnPlan) error {
	res := &plan.result

	if p.opts.RelevantMemory != config.RelevantMemoryOff {
		relevant, err := p.retrieve(ctx, sess, res.Finding.DistortionType, dialogue)
		if err != nil {
			return err
		}
		res.RelevantMemory = relevant
		logger.InfoCF("agent", "Relevant memory retrieved", map[string]interface{}{
			"session_key":     sess.Key(),
			"relevant_memory": relevant,
		})
	}

	var raw string
	err := p.step(ctx, func(ctx context.Context) error {
		var err error
		raw, err = p.llm.Complete(ctx, p.prompts.TechniqueSelection(res.Finding.DistortionType, sess.transcriptJSON()))
		return err
	})
	if err != nil {
		return fmt.Errorf("select technique: %w", err)
	}
	res.Technique = p.catalog.ParseTechnique(strings.TrimSpace(raw))
	if !res.Technique.Recognized() {
		logger.WarnCF("agent", "Model chose a technique outside the catalog, using it verbatim", map[string]interface{}{
			"session_key": sess.Key(),
			"technique":   res.Technique.Raw,
		})
	}
	technique := res.Technique.String()

	if err := p.selectStage(ctx, sess, technique, dialogue, res); err != nil {
		return err
	}

	in := prompts.FinalInput{
		Dialogue:  dialogue,
		Technique: technique,
		Stage:     res.Stage,
		Example:   res.Example,
	}
	if p.opts.RelevantMemory == config.RelevantMemoryPrompt {
		in.RelevantMemory = res.RelevantMemory
	}
	plan.finalPrompt = p.prompts.FinalResponse(in)

	sess.recordStage(technique, res.Stage)
	logger.InfoCF("agent", "Technique applied", map[string]interface{}{
		"session_key": sess.Key(),
		"technique":   technique,
		"stage":       res.Stage,
	})
	return nil
}

func (p *Processor) selectStage(ctx context.Context, sess *Session, technique, dialogue string, res *TurnResult) error {
	usage := sess.usageLogJSON()
	if p.opts.StageMode == config.StageModeNumber {
		var raw string
		err := p.step(ctx, func(ctx context.Context) error {
			var err error
			raw, err = p.llm.Complete(ctx, p.prompts.StageSelection(technique, "", usage, dialogue))
			return err
		})
		if err != nil {
			return fmt.Errorf("select stage: %w", err)
		}
		res.Stage = stageFromNumber(p.catalog.Stages(res.Technique.Value), raw)
		res.Example = cbt.None
		return nil
	}

	var v StructuredValue
	err := p.step(ctx, func(ctx context.Context) error {
		var err error
		v, err = completeStructured(ctx, p.llm, p.prompts.StageAndExample(technique, usage, dialogue), KindStageExample)
		return err
	})
	if err != nil {
		return fmt.Errorf("select stage: %w", err)
	}
	res.Stage = strings.TrimSpace(v.Stage.StageName)
	res.Example = strings.TrimSpace(v.Stage.Example)
	return nil
}

// retrieve queries both partitions and renders what came back as one string.
func (p *Processor) retrieve(ctx context.Context, sess *Session, distortionType, dialogue string) (string, error) {
	queries := []string{distortionType, dialogue}
	var insights, distortions []memory.QueryResult
	err := p.step(ctx, func(ctx context.Context) error {
		var err error
		if insights, err = p.store.Query(ctx, sess.partition(memory.KindInsight), queries, p.opts.RetrievalTopK); err != nil {
			return err
		}
		distortions, err = p.store.Query(ctx, sess.partition(memory.KindDistortion), queries, p.opts.RetrievalTopK)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("retrieve memory: %w", err)
	}
	return renderRelevantMemory(insights, distortions), nil
}

// renderRelevantMemory uses the first query's hits from each partition.
func renderRelevantMemory(insights, distortions []memory.QueryResult) string {
	var b strings.Builder
	if len(insights) > 0 {
		for _, d := range insights[0].Documents {
			b.WriteString(d.Text)
			b.WriteByte('\n')
		}
	}
	if len(distortions) > 0 {
		for _, d := range distortions[0].Documents {
			b.WriteString(cbt.FindingFromMetadata(d.Metadata).String())
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// stageFromNumber maps a "2" / "Stage 2" style answer to the catalog stage
// name. Anything else is used as the stage verbatim.
func stageFromNumber(stages []string, raw string) string {
	raw = strings.TrimSpace(raw)
	digits := strings.TrimFunc(raw, func(r rune) bool { return r < '0' || r > '9' })
	if end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
		digits = digits[:end]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > len(stages) {
		return raw
	}
	return stages[n-1]
}

// step bounds one collaborator call by the step timeout.
func (p *Processor) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()
	return fn(ctx)
}
