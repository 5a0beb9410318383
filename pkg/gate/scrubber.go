package gate

import (
	"log/slog"
	"regexp"
)

// spoofPattern pairs a name with a compiled regex stripping one family of
// forged conversation-structure markers.
type spoofPattern struct {
	name  string
	regex *regexp.Regexp
}

// rawSpoofPatterns are the privileged-framing families stripped from inbound
// text before it becomes task input. The conscience refuses the same family
// on the way out.
var rawSpoofPatterns = []struct {
	name    string
	pattern string
}{
	{"chatml_delimiter", `<\|(?:system|assistant|user|end)\|>`},
	{"bracket_turn", `(?mi)^\s*\[(?:SYSTEM|ASSISTANT)\]\s*`},
	{"heading_turn", `(?mi)^\s*#{2,4}\s*(?:System|Assistant)\s*:\s*`},
	{"inst_delimiter", `\[/?INST\]|<<\/?SYS>>`},
}

// Scrubber removes privileged framing markers from inbound text. Compilation
// failures are logged and the pattern skipped; a scrubber with zero patterns
// passes text through unchanged rather than blocking intake.
type Scrubber struct {
	patterns []spoofPattern
	logger   *slog.Logger
}

// NewScrubber compiles the built-in spoof patterns.
func NewScrubber(logger *slog.Logger) *Scrubber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scrubber{logger: logger.With("component", "gate")}
	for _, raw := range rawSpoofPatterns {
		compiled, err := regexp.Compile(raw.pattern)
		if err != nil {
			s.logger.Error("Failed to compile spoof pattern, skipping",
				"pattern", raw.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, spoofPattern{name: raw.name, regex: compiled})
	}
	return s
}

// Scrub strips every spoof pattern from text and returns the cleaned text
// plus the names of the patterns that matched.
func (s *Scrubber) Scrub(text string) (string, []string) {
	var matched []string
	for _, p := range s.patterns {
		if !p.regex.MatchString(text) {
			continue
		}
		text = p.regex.ReplaceAllString(text, "")
		matched = append(matched, p.name)
	}
	return text, matched
}
