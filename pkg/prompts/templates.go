package prompts

import (
	"fmt"
	"strings"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
)

// DistortionDetection asks for the single most likely distortion in dialogue
// as a {distortion_type, utterance, score} object.
func (c *Catalog) DistortionDetection(dialogue string) string {
	return fmt.Sprintf(`# System Role
You are an expert in CBT techniques and detecting cognitive distortions.

# Task Instructions
Types of cognitive distortion are given below.
Search for cognitive distortions in the client's utterances only.
Even if the given utterance consists of multiple sentences, consider it as one utterance and identify cognitive distortions.
If there are multiple types of cognitive distortion, output only the most likely type.
Assign a severity score from 1 to 5 on a Likert scale for the cognitive distortion.
Output must be JSON with three keys (distortion_type, utterance, score).
If there is no cognitive distortion in the utterance, output "None" as distortion_type and leave the other keys empty.

# Types of cognitive distortion
%s

**recent utterances**: `+"```"+`
%s`+"```"+`
`, quotedList(c.cbt.DistortionNames()), dialogue)
}

// InsightExtraction asks for concise insights about the client, or "None".
func (c *Catalog) InsightExtraction(dialogue string) string {
	return fmt.Sprintf(`# System Role
You are a psychotherapist who uses Cognitive Behavioral Therapy to help patients.

# Task
Your task is to extract insights from the given dialogue that can be used later for helping the patient.

# Instructions
Even if the given utterance consists of multiple sentences, consider it as one utterance and extract insights.
Insights are concise sentences about the patient's mental state, behavior, emotions or any other relevant information.
If nothing useful can be extracted, output "None".

# Given information
**recent utterances**: `+"```"+`
%s`+"```"+`
`, dialogue)
}

// TechniqueSelection asks for exactly one technique name from the catalog.
func (c *Catalog) TechniqueSelection(distortionType, memory string) string {
	return fmt.Sprintf(`# System Role
You are an expert in CBT techniques and a counseling agent.

# Task
Given the cognitive distortion to treat and the relevant information, decide which CBT technique to utilize from the list below.

# Instruction
Choose only one CBT technique from the given CBT Techniques and print out only the name of the technique.

# CBT Techniques
%s

**type of cognitive distortion to treat**: `+"```"+`
%s`+"```"+`

**relevant information about the client associated with that cognitive distortion**: `+"```"+`
%s`+"```"+`
`, quotedList(c.cbt.TechniqueNames()), distortionType, memory)
}

// StageSelection asks for the stage number to undertake next for technique.
func (c *Catalog) StageSelection(technique, progress, usageLog, dialogue string) string {
	if progress == "" {
		progress = stageSequence(c.cbt.Stages(cbt.Technique(technique)))
	}
	return fmt.Sprintf(`# System Role
You are an expert in CBT techniques and a counseling agent.
You are going to apply %[1]s in counseling using CBT technique. %[2]s is the sequence of %[1]s.

# Task Instruction
The following dictionary represents the CBT usage log, which maps each CBT technique to the stage last reached. `+"```"+`%[3]s`+"```"+`
The conversation below is a conversation in which %[1]s has been applied. `+"```"+`%[4]s`+"```"+`

What is the stage number you would undertake for %[1]s based on the conversation provided, the sequence of the CBT technique and the current dialogue state?
Psychological counseling should follow that process.

# Output
stage number
`, technique, progress, usageLog, dialogue)
}

// StageAndExample asks for the next stage of technique together with an
// example utterance, as a {stage_name, example} object.
func (c *Catalog) StageAndExample(technique, usageLog, dialogue string) string {
	stages := c.cbt.Stages(cbt.Technique(technique))
	sequence := cbt.None
	if len(stages) > 0 {
		sequence = stageSequence(stages)
	}
	return fmt.Sprintf(`# System Role
You are an expert in CBT techniques and a counseling agent.
You are going to apply %[1]s in counseling.

# Stages of %[1]s
%[2]s

# Task Instruction
The following dictionary represents the CBT usage log, which maps each CBT technique to the stage last reached. `+"```"+`%[3]s`+"```"+`
The conversation below is the current state of the counseling session. `+"```"+`%[4]s`+"```"+`

Decide which stage of %[1]s to undertake next, following the order of the stages and the current dialogue state.
Then write one short example utterance a counselor could say at that stage for this client.
Output must be JSON with two keys (stage_name, example).
`, technique, sequence, usageLog, dialogue)
}

// FinalInput carries the parameters of FinalResponse. Empty fields render as "None".
type FinalInput struct {
	Dialogue       string
	Technique      string
	Stage          string
	Example        string
	RelevantMemory string
}

// FinalResponse renders the response-generation prompt. The CBT reference
// document is substituted on every call.
func (c *Catalog) FinalResponse(in FinalInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `# System Role
You are a psychotherapist who uses Cognitive Behavioral Therapy to treat patients of all types.

# Task
Your task is to generate a response following the instructions below.

# Instructions
1. Generate the response based on the given information: recent utterances, CBT technique to employ, the description of the CBT technique, stage of the CBT technique you should go on, and an utterance example of that stage.
2. If the CBT technique to employ is None, don't use a CBT technique.
3. Select one of the given ESC strategies and generate a supportive response in the client's dialogue providing emotional support.
4. Do not mention the specific CBT techniques or steps you are looking to apply.

# ESC strategy
%s

# Given information

**recent utterances**: `+"```"+`
%s`+"```"+`

**CBT technique to employ**: `+"```"+`
%s`+"```"+`

**description of CBT technique**: `+"```"+`
%s`+"```"+`

**CBT stage to employ**: `+"```"+`
%s`+"```"+`

**utterance example of the stage**: `+"```"+`
%s`+"```"+`
`, bulletList(c.cbt.ESCStrategyDescriptions()), in.Dialogue, orNone(in.Technique), c.Doc(), orNone(in.Stage), orNone(in.Example))

	if in.RelevantMemory != "" {
		fmt.Fprintf(&sb, `
**what you remember about the client**: `+"```"+`
%s`+"```"+`
`, in.RelevantMemory)
	}
	return sb.String()
}

func stageSequence(stages []string) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = fmt.Sprintf("%d. %s", i+1, s)
	}
	return strings.Join(parts, " -> ")
}
