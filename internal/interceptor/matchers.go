package interceptor

import (
	"regexp"
	"strings"
)

// Matching is best effort. Agents print free-form terminal text and change
// their wording between releases, so every category is an ordered list of
// independent matchers and a line that matches nothing is plain text.

type toolStart struct {
	name        string
	args        map[string]string
	description string
}

type toolEnd struct {
	result string
	inline bool
}

type permissionPrompt struct {
	tool        string
	pattern     string
	description string
}

type statusLine struct {
	state   string
	message string
}

//nolint:gochecknoglobals // compiled pattern tables
var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

	thinkingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*💭`),
		regexp.MustCompile(`(?i)^\s*<thinking>`),
		regexp.MustCompile(`(?i)^\s*\[thinking\]`),
		regexp.MustCompile(`(?i)^\s*thinking(?:\.\.\.|…)`),
	}

	toolStartMatchers = []func(string) (toolStart, bool){
		matchCallingTool,
		matchBracketTool,
		matchCallForm,
		matchIconTool,
	}

	toolEndMatchers = []func(string) (toolEnd, bool){
		matchPattern(regexp.MustCompile(`^\s*\[(?:Result|Done|Tool Result)\]\s*(.*)$`)),
		matchPattern(regexp.MustCompile(`(?i)^\s*tool result:\s*(.*)$`)),
		matchPattern(regexp.MustCompile(`^\s*[✓✔]\s*Done\b\s*(.*)$`)),
		matchPattern(regexp.MustCompile(`^\s*✅\s*(.*)$`)),
	}

	permissionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*allow\s+(\S+)\s+(?:for|on|to access)\s+(.+?)\s*\?\s*(?:\[y/n\]|\(y/n\))?\s*$`),
		regexp.MustCompile(`(?i)^\s*permission required:\s*(\S+)\s+(?:on|for)\s+(.+?)\s*$`),
		regexp.MustCompile(`(?i)^\s*do you want to allow\s+(\S+)\s+to\s+(?:access|modify|write|read|run)\s+(.+?)\s*\?.*$`),
	}

	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[❌✗✖]`),
		regexp.MustCompile(`(?i)^\s*(?:error|fatal|failed)\s*:`),
	}

	statusExplicit = regexp.MustCompile(`(?i)^\s*status:\s*(.+?)\s*$`)
	statusIdle     = regexp.MustCompile(`^\s*💤\s*(.*)$`)
	statusSuccess  = regexp.MustCompile(`^\s*[✨🎉]\s*(.*)$`)

	callingToolRe = regexp.MustCompile(`(?i)^\s*calling tool:?\s+([A-Za-z][\w.-]*)\s*(?:\((.*)\))?\s*(.*)$`)
	bracketToolRe = regexp.MustCompile(`^\s*\[Tool:\s*([A-Za-z][\w.-]*)\]\s*(.*)$`)
	callFormRe    = regexp.MustCompile(`^\s*([A-Z][A-Za-z0-9_]*)\(((?:\s*\w+\s*=.*)?)\)\s*$`)
	iconToolRe    = regexp.MustCompile(`^\s*(?:🔧|⚙️|⚙)\s*([A-Za-z][\w.-]*)\s*(?:\((.*)\))?\s*(.*)$`)
)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func isThinking(line string) bool {
	for _, re := range thinkingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func matchToolStart(line string) (toolStart, bool) {
	for _, m := range toolStartMatchers {
		if ts, ok := m(line); ok {
			return ts, true
		}
	}
	return toolStart{}, false
}

func matchToolEnd(line string) (toolEnd, bool) {
	for _, m := range toolEndMatchers {
		if te, ok := m(line); ok {
			return te, true
		}
	}
	return toolEnd{}, false
}

func matchPermission(line string) (permissionPrompt, bool) {
	for _, re := range permissionPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return permissionPrompt{
				tool:        m[1],
				pattern:     strings.Trim(m[2], `"'`),
				description: strings.TrimSpace(line),
			}, true
		}
	}
	return permissionPrompt{}, false
}

func isError(line string) bool {
	for _, re := range errorPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func matchStatus(line string) (statusLine, bool) {
	if m := statusExplicit.FindStringSubmatch(line); m != nil {
		return statusLine{state: strings.ToLower(m[1]), message: m[1]}, true
	}
	if m := statusIdle.FindStringSubmatch(line); m != nil {
		return statusLine{state: "idle", message: m[1]}, true
	}
	if m := statusSuccess.FindStringSubmatch(line); m != nil {
		return statusLine{state: "success", message: m[1]}, true
	}
	return statusLine{}, false
}

func matchCallingTool(line string) (toolStart, bool) {
	m := callingToolRe.FindStringSubmatch(line)
	if m == nil {
		return toolStart{}, false
	}
	return toolStart{name: m[1], args: parseArgs(m[2]), description: m[3]}, true
}

func matchBracketTool(line string) (toolStart, bool) {
	m := bracketToolRe.FindStringSubmatch(line)
	if m == nil {
		return toolStart{}, false
	}
	return toolStart{name: m[1], description: m[2]}, true
}

func matchCallForm(line string) (toolStart, bool) {
	m := callFormRe.FindStringSubmatch(line)
	if m == nil {
		return toolStart{}, false
	}
	return toolStart{name: m[1], args: parseArgs(m[2])}, true
}

func matchIconTool(line string) (toolStart, bool) {
	m := iconToolRe.FindStringSubmatch(line)
	if m == nil {
		return toolStart{}, false
	}
	return toolStart{name: m[1], args: parseArgs(m[2]), description: m[3]}, true
}

func matchPattern(re *regexp.Regexp) func(string) (toolEnd, bool) {
	return func(line string) (toolEnd, bool) {
		m := re.FindStringSubmatch(line)
		if m == nil {
			return toolEnd{}, false
		}
		result := strings.TrimSpace(m[1])
		return toolEnd{result: result, inline: result != ""}, true
	}
}

// parseArgs reads a comma separated key=value list. Quotes around values are
// stripped; commas inside quoted values are not supported.
func parseArgs(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	args := make(map[string]string)
	for part := range strings.SplitSeq(raw, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		args[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
