package inference

import (
	"strings"

	"github.com/spigell/job-aggregator/internal/endpoint"
)

const (
	jsonInstruction  = "Return a single valid JSON object and nothing else."
	textInstructions = "Respond with JSON only. Do not wrap the answer in markdown code fences, " +
		"do not add explanations before or after the JSON object."
)

// Prime adapts the payload to the behavioral tag of the endpoint.
// Strict-schema endpoints keep the schema, the others rely on instructions instead.
func Prime(mode endpoint.Mode, p Payload) Payload {
	switch mode {
	case endpoint.ModeStrictSchema:
		return p
	case endpoint.ModeText:
		p.Schema = nil
		p.System = joinInstructions(p.System, textInstructions)
		p.Prompt = strings.TrimSpace(p.Prompt) + "\n\n" + textInstructions
		return p
	default:
		p.Schema = nil
		p.System = joinInstructions(p.System, jsonInstruction)
		return p
	}
}

func joinInstructions(system, instruction string) string {
	system = strings.TrimSpace(system)
	if system == "" {
		return instruction
	}
	if strings.Contains(system, instruction) {
		return system
	}
	return system + "\n\n" + instruction
}
