package process

import "strings"

// Stream identifies which output of the child produced a line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Severity is the tag a log line is written with.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityError Severity = "ERROR"
)

// Verdict is the outcome of classifying one line.
type Verdict struct {
	Severity Severity
	// Keyword is the list entry that decided the verdict, empty for the default.
	Keyword string
}

// Classifier tags standard-error lines with a keyword heuristic. Error
// keywords win; info keywords only document what is known to be benign
// since anything unmatched is INFO as well.
type Classifier struct {
	ErrorKeywords []string
	InfoKeywords  []string
}

// DefaultClassifier returns the stock keyword lists.
func DefaultClassifier() Classifier {
	return Classifier{
		ErrorKeywords: []string{
			"error", "exception", "traceback", "failed", "failure",
			"critical", "fatal", "unhandled", "crash", "broken",
		},
		InfoKeywords: []string{
			"info", "debug", "warning", "start", "run", "polling",
			"update", "handled", "duration", "connected", "ready",
			"initialized", "loading", "success", "completed",
		},
	}
}

// Classify decides the severity of line read from stream. Standard output is
// always INFO.
func (c Classifier) Classify(stream Stream, line string) Verdict {
	if stream != Stderr {
		return Verdict{Severity: SeverityInfo}
	}
	lower := strings.ToLower(line)
	for _, kw := range c.ErrorKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Verdict{Severity: SeverityError, Keyword: kw}
		}
	}
	for _, kw := range c.InfoKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Verdict{Severity: SeverityInfo, Keyword: kw}
		}
	}
	return Verdict{Severity: SeverityInfo}
}
