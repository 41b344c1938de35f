package rules

import (
	"fmt"
	"strings"
)

// CompileError is a positioned diagnostic produced while compiling a bundle
type CompileError struct {
	File   string `json:"file,omitempty"`
	Pos
	RuleID string `json:"rule_id,omitempty"`
	Field  string `json:"field,omitempty"`
	Msg    string `json:"message"`
}

func (e *CompileError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(":")
	}
	fmt.Fprintf(&b, "%d:%d: ", e.Line, e.Col)
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}

// BundleError rejects a whole bundle
type BundleError struct {
	Errors []*CompileError
}

func (e *BundleError) Error() string {
	if len(e.Errors) == 1 {
		return "rule bundle rejected: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("rule bundle rejected with %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}

// RuntimeError isolates a failure to one rule on one flow
type RuntimeError struct {
	RuleID string
	FlowID string
	Cause  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("rule %s failed on flow %s: %v", e.RuleID, e.FlowID, e.Cause)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}
