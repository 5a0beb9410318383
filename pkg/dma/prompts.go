package dma

import (
	"fmt"
	"strings"

	"github.com/cirisai/ciris-engine/pkg/models"
)

const ethicalSystemPrompt = `You evaluate a proposed line of thought for ethical alignment.
Weigh beneficence, non-maleficence, honesty, autonomy of the people involved, and fairness.
Respond with a single JSON object:
{"score": <0.0-1.0, 1.0 = fully aligned>, "rationale": "<one short paragraph>", "conflicts": ["<principle in tension>", ...]}
Return only the JSON object.`

const commonSenseSystemPrompt = `You evaluate a line of thought for plausibility and coherence.
Flag contradictions with the provided context, impossible assumptions, and non-sequiturs.
Respond with a single JSON object:
{"score": <0.0-1.0, 1.0 = fully plausible>, "rationale": "<one short paragraph>", "implausibilities": ["<finding>", ...]}
Return only the JSON object.`

func domainSystemPrompt(domain string) string {
	return fmt.Sprintf(`You evaluate a line of thought for fitness within the %q domain.
Flag requests outside the domain's competence and any domain rules the thought would breach.
Respond with a single JSON object:
{"score": <0.0-1.0>, "domain": %q, "rationale": "<one short paragraph>", "flags": ["<finding>", ...]}
Return only the JSON object.`, domain, domain)
}

const actionSelectionSystemPrompt = `You select exactly one next action for the agent.

Available actions and their parameter records:
- SPEAK    {"speak": {"channel_id": "...", "content": "..."}}
- TOOL     {"tool": {"name": "provider.tool", "arguments": "<json>"}}
- OBSERVE  {"observe": {"channel_id": "...", "limit": 10}}
- MEMORIZE {"memorize": {"node": {"scope": "local", "type": "concept", "id": "...", "attributes": {...}}}}
- RECALL   {"recall": {"query": {"scope": "local", "type": "concept"}}}
- FORGET   {"forget": {"key": {"scope": "local", "type": "concept", "id": "..."}}}
- REJECT   {"reject": {"reason": "..."}}            (terminal)
- PONDER   {"ponder": {"questions": ["..."]}}
- DEFER    {"defer": {"reason": "..."}}             (terminal)
- TASK_COMPLETE {"complete": {"summary": "..."}}    (terminal)

Respond with a single JSON object:
{"decision": {"action": "<ACTION>", "rationale": "...", <exactly the matching parameter record>}, "confidence": <0.0-1.0>, "rationale": "..."}
Set exactly one parameter record — the one matching the action. Return only the JSON object.
If the request calls for a competency outside the agent's own (for example medical,
financial, or legal questions), add "guidance_capability": "<competency>" at the top
level so a wisdom authority is consulted before the action runs.`

// renderBundle flattens a context bundle into the user prompt the three
// first-phase evaluations share.
func renderBundle(bundle *models.ContextBundle) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Agent: %s", bundle.Identity.Name)
	if bundle.Identity.Purpose != "" {
		fmt.Fprintf(&b, " — %s", bundle.Identity.Purpose)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "State: %s", bundle.System.CognitiveState)
	if bundle.System.Paused {
		b.WriteString(" (paused)")
	}
	b.WriteString("\n")

	if bundle.Input != "" {
		fmt.Fprintf(&b, "\nTask input:\n%s\n", bundle.Input)
	}

	if len(bundle.Conversation) > 0 {
		b.WriteString("\nRecent conversation (newest last):\n")
		for _, msg := range bundle.Conversation {
			fmt.Fprintf(&b, "- [%s] %s\n", msg.AuthorID, msg.Content)
		}
	}

	if len(bundle.Memories) > 0 {
		b.WriteString("\nPertinent memories:\n")
		for _, node := range bundle.Memories {
			fmt.Fprintf(&b, "- %s: %v\n", node.Key(), node.Attributes)
		}
	}

	if len(bundle.ToolResults) > 0 {
		b.WriteString("\nPrior tool results:\n")
		for _, tr := range bundle.ToolResults {
			status := "ok"
			if tr.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", tr.Name, status, tr.Content)
		}
	}

	if len(bundle.Constraints) > 0 {
		b.WriteString("\nActive constraints:\n")
		for _, c := range bundle.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if bundle.Guidance != "" {
		fmt.Fprintf(&b, "\nWisdom authority guidance:\n%s\n", bundle.Guidance)
	}

	return b.String()
}

// renderSelectionPrompt extends the bundle rendering with the first-phase
// verdicts and, on recursion, the conscience feedback.
func renderSelectionPrompt(bundle *models.ContextBundle, dmas *models.DMAResults, conscienceFeedback string) string {
	var b strings.Builder
	b.WriteString(renderBundle(bundle))

	if dmas != nil {
		b.WriteString("\nFirst-phase evaluations:\n")
		fmt.Fprintf(&b, "- ethical %.2f: %s\n", dmas.Ethical.Score, dmas.Ethical.Rationale)
		fmt.Fprintf(&b, "- common sense %.2f: %s\n", dmas.CommonSense.Score, dmas.CommonSense.Rationale)
		fmt.Fprintf(&b, "- domain %.2f: %s\n", dmas.Domain.Score, dmas.Domain.Rationale)
	}

	if conscienceFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous proposal failed the conscience check: %s\nSelect a different action that resolves the objection.\n", conscienceFeedback)
	}

	b.WriteString("\nSelect the single next action.")
	return b.String()
}
