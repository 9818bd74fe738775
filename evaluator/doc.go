// Package evaluator grades a submission against input/expected-output cases.
//
// Each case runs the submission once with the case input on stdin and
// compares stdout using one of three modes: Exact, IgnoreWhitespace (lines
// trimmed, blank lines dropped) or Regex. Hidden cases take part in the score
// but their input and expected output are masked in the report.
package evaluator
