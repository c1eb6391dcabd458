package health

// Default pattern sets. They are regular expressions matched against the
// ANSI-stripped pane tail with trailing blank lines removed.
var (
	// defaultErrorPatterns indicate the agent hit a failure it will not
	// recover from without help. Matched case-insensitively.
	defaultErrorPatterns = []string{
		`\berror:`,
		`\bfailed:`,
		`\bexception:`,
		`\bpanic:`,
		`\bfatal:`,
		`rate limit`,
		`usage limit`,
		`too many requests`,
		`traceback \(most recent call last\)`,
		`api error`,
	}

	// defaultWaitingPatterns indicate the agent is blocked on the operator.
	// Most are anchored to the end of the tail with \z.
	defaultWaitingPatterns = []string{
		`(?:^|\n)[ \t]*[>❯›][ \t]*\z`, // bare prompt glyph on the last line
		`(?:^|\n)[^\n]*\$[ \t]*\z`,    // shell prompt: the agent exited
		`(?:^|\n)[^\n]*\?[ \t]*\z`,    // a question on the last line
		`(?i)\(y/n\)\s*\z`,
		`(?i)\[y/n\]\s*\z`,
		`(?i)do you want to (?:proceed|continue|make this edit|create)`,
		`(?i)press enter to continue`,
		`(?i)waiting for (?:your )?input`,
		`Human:\s*\z`,
	}

	// defaultWorkingPatterns indicate the agent is mid-task even if the pane
	// has been quiet for a while.
	defaultWorkingPatterns = []string{
		`(?i)esc to interrupt`,
		`(?i)ctrl\+c to (?:interrupt|cancel)`,
		`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`,
		`(?i)\b(?:thinking|compiling|building|installing|downloading)…`,
	}
)

// DefaultErrorPatterns returns a copy of the built-in error set.
func DefaultErrorPatterns() []string { return append([]string(nil), defaultErrorPatterns...) }

// DefaultWaitingPatterns returns a copy of the built-in awaiting-input set.
func DefaultWaitingPatterns() []string { return append([]string(nil), defaultWaitingPatterns...) }

// DefaultWorkingPatterns returns a copy of the built-in working set.
func DefaultWorkingPatterns() []string { return append([]string(nil), defaultWorkingPatterns...) }
