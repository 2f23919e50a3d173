// Package guardrail defines the content check applied to finalized turns.
//
// The orchestrator checks every finalized user text before forwarding it and
// every finalized agent text before rendering it. A [Checker] only decides;
// the orchestrator applies the outcome.
package guardrail

import "context"

// Direction tells a checker which side of the conversation text came from.
type Direction string

const (
	// Input is text from the user.
	Input Direction = "input"

	// Output is text from the model.
	Output Direction = "output"
)

// Action is a checker verdict.
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
	Warn  Action = "warn"
)

// Result is the outcome of one check.
type Result struct {
	Action Action

	// Message replaces blocked text, or explains a warning. May be empty.
	Message string

	// Rule names the rule that fired, for logs.
	Rule string
}

// Checker inspects text. Implementations must be safe for concurrent use.
type Checker interface {
	Check(ctx context.Context, text string, dir Direction) (Result, error)
}

// CheckerFunc adapts a function to [Checker].
type CheckerFunc func(ctx context.Context, text string, dir Direction) (Result, error)

// Check implements [Checker].
func (f CheckerFunc) Check(ctx context.Context, text string, dir Direction) (Result, error) {
	return f(ctx, text, dir)
}

// Nop allows everything.
type Nop struct{}

// Check implements [Checker].
func (Nop) Check(context.Context, string, Direction) (Result, error) {
	return Result{Action: Allow}, nil
}

// DefaultBlockMessage substitutes blocked text when a result carries none.
const DefaultBlockMessage = "This message was withheld."

var (
	_ Checker = Nop{}
	_ Checker = CheckerFunc(nil)
)
