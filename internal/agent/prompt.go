package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/arzamas-labs/domagent/internal/controller"
	"github.com/arzamas-labs/domagent/internal/util"
)

// historyOutputMaxLen bounds how much of a step's action result feeds back
// into the next prompt, long page text or script output otherwise bloats
// every later step's context.
const historyOutputMaxLen = 500

// systemPromptTemplate is the fixed system prompt: role,
// input format, browser rules, reasoning rules, output JSON shape. %s is
// substituted with the configured working language.
const systemPromptTemplate = `You are an autonomous browser agent. You accomplish the task given in <user_request> by observing the page through an indexed element list and acting through a small set of tools.

<language_settings>
Respond in %s: all free-text fields (evaluation_previous_goal, memory, next_goal) and any message you produce for the user.
</language_settings>

<user_request>
This is your ultimate objective and always remains visible. If it names explicit steps, follow them in order; if it is open-ended, plan your own steps. Never stop early unless the request is fully satisfied or you are at the step limit.
</user_request>

<agent_history>
You receive the outcome of every previous step as a <step_i> block: evaluation of the previous action, your own memory notes, your stated next goal, and the action's result. Use memory to avoid repeating work.
</agent_history>

<browser_state>
Every step you receive the current URL, title, a page-position summary, and an indented pseudo-HTML listing of the page. Only elements carrying a leading [index] are addressable. An element is addressable only while it is visible (and, when extraction is limited to the viewport, on top and currently on screen) — if something you expected is missing, the page changed or scrolled; re-read the current listing rather than trusting history.
</browser_state>

<output_format>
Respond with exactly one JSON object:
{
  "evaluation_previous_goal": "one sentence: did the last action succeed, fail, or is it unclear",
  "memory": "one to three sentences tracking progress across steps",
  "next_goal": "the next immediate goal",
  "action": { "<tool_name>": { ...tool input... } }
}
"action" must have exactly one key, chosen from the tools you were given. No text outside the JSON object.
</output_format>

<action_rules>
- Exactly one action per step. Never invent a tool name.
- Only click/type/select by index. Never guess a selector or coordinate.
- After any action the page may have changed; the next step's listing reflects that automatically. Do not use wait just to "check" whether something changed — only use it when you are genuinely waiting on an external process (e.g. a human completing a captcha).
- If you cannot find required information in the task or the page, use ask_user rather than guessing or fabricating it.
- Call done as soon as the request is fully satisfied, or once you judge it impossible to continue. Set success=true only if every part of the request was completed.
</action_rules>`

// PromptAssembler builds a fixed system prompt plus a three-section
// per-step user prompt.
type PromptAssembler struct {
	Language string // defaults to "English" if empty
}

func (p *PromptAssembler) System() string {
	lang := p.Language
	if strings.TrimSpace(lang) == "" {
		lang = "English"
	}
	return fmt.Sprintf(systemPromptTemplate, lang)
}

func (p *PromptAssembler) UserPrompt(task string, step, maxSteps int, history []HistoryEntry, ctrl *controller.Controller, pageInfo controller.PageInfo) string {
	var b strings.Builder

	b.WriteString("<agent_history>\n")
	b.WriteString(formatHistory(history))
	b.WriteString("\n</agent_history>\n\n")

	b.WriteString("<agent_state>\n")
	fmt.Fprintf(&b, "<user_request>\n%s\n</user_request>\n", task)
	fmt.Fprintf(&b, "<step_info>\nStep %d of %d max. Current time: %s\n</step_info>\n", step, maxSteps, time.Now().UTC().Format(time.RFC3339))
	b.WriteString("</agent_state>\n\n")

	b.WriteString("<browser_state>\n")
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", pageInfo.URL, pageInfo.Title)
	b.WriteString(pageSummaryLine(pageInfo))
	b.WriteByte('\n')
	b.WriteString(pageHeader(pageInfo))
	b.WriteByte('\n')
	b.WriteString(ctrl.HTML())
	b.WriteByte('\n')
	b.WriteString(pageFooter(pageInfo))
	b.WriteString("\n</browser_state>")

	return b.String()
}

func pageSummaryLine(info controller.PageInfo) string {
	return fmt.Sprintf(
		"viewport %.0fx%.0f, page %.0fx%.0f, %.1f pages above / %.1f pages below, %.1f pages total, %.0f%% scrolled",
		info.ViewportWidth, info.ViewportHeight, info.PageWidth, info.PageHeight,
		info.PagesAbove, info.PagesBelow, info.TotalPages, info.CurrentPagePosition,
	)
}

func pageHeader(info controller.PageInfo) string {
	if info.PixelsAbove < 1 {
		return "[Start of page]"
	}
	return fmt.Sprintf("... %.0f pixels above (%.1f pages) - scroll to see more ...", info.PixelsAbove, info.PagesAbove)
}

func pageFooter(info controller.PageInfo) string {
	if info.PixelsBelow < 1 {
		return "[End of page]"
	}
	return fmt.Sprintf("... %.0f pixels below (%.1f pages) - scroll to see more ...", info.PixelsBelow, info.PagesBelow)
}

// formatHistory renders history as a sequence of <step_N> blocks.
func formatHistory(history []HistoryEntry) string {
	if len(history) == 0 {
		return "(no steps yet)"
	}
	parts := make([]string, 0, len(history))
	for _, h := range history {
		var content []string
		if h.EvaluationPreviousGoal != "" {
			content = append(content, "Evaluation of Previous Step: "+h.EvaluationPreviousGoal)
		}
		if h.Memory != "" {
			content = append(content, "Memory: "+h.Memory)
		}
		if h.NextGoal != "" {
			content = append(content, "Next Goal: "+h.NextGoal)
		}
		content = append(content, fmt.Sprintf("Action Result: %s -> %s", h.Action, util.Truncate(h.Output, historyOutputMaxLen)))
		parts = append(parts, fmt.Sprintf("<step_%d>\n%s\n</step_%d>", h.Step, strings.Join(content, "\n"), h.Step))
	}
	return strings.Join(parts, "\n\n")
}
