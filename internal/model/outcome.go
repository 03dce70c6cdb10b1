package model

import "fmt"

type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeTransient
	OutcomeFatal
)

// Outcome is the expected result of processing one work item. Transient
// outcomes are retried later; fatal ones abandon the item.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Ok() Outcome { return Outcome{Kind: OutcomeOk} }

func Transient(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: fmt.Sprintf(format, args...)}
}

func Fatal(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: fmt.Sprintf(format, args...)}
}

// ShouldComplete reports whether the queue item is finished with, successfully or not.
func (o Outcome) ShouldComplete() bool {
	return o.Kind != OutcomeTransient
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOk:
		return "ok"
	case OutcomeTransient:
		return "transient: " + o.Reason
	case OutcomeFatal:
		return "fatal: " + o.Reason
	default:
		return "unknown"
	}
}

// Label is the metric label for the outcome kind.
func (o Outcome) Label() string {
	switch o.Kind {
	case OutcomeOk:
		return "ok"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}
