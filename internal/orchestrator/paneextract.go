package orchestrator

import "strings"

// extractAgentText pulls the agent's most recent visible response out of a
// captured multiplexer pane. There is no per-adapter marker for "this is
// where the response ends", so this first skips trailing blank and prompt
// lines at the bottom of the pane, then scans backward and stops at the
// first blank line, shell-prompt line or tool-invocation line; the lines in
// between are taken as the agent's last message.
func extractAgentText(pane string) string {
	lines := strings.Split(strings.TrimRight(pane, "\n"), "\n")

	end := len(lines)
	for end > 0 {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed != "" && !looksLikePrompt(trimmed) {
			break
		}
		end--
	}

	start := end
	for start > 0 {
		line := lines[start-1]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if looksLikePrompt(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, "Tool:") || strings.HasPrefix(trimmed, "Running:") {
			break
		}
		start--
	}

	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

func looksLikePrompt(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "$ ") {
		return true
	}
	last := line[len(line)-1]
	return last == '$' || last == '#' || last == '>'
}
