package phrase_test

import (
	"context"
	"testing"

	"github.com/MrWong99/livevoice/pkg/guardrail"
	"github.com/MrWong99/livevoice/pkg/guardrail/phrase"
)

func TestChecker_Check(t *testing.T) {
	t.Parallel()

	c := phrase.New([]phrase.Rule{
		{Phrase: "credit card number", Action: guardrail.Block, Message: "Please don't share card details."},
		{Phrase: "lawsuit", Action: guardrail.Warn, Message: "Legal topic."},
		{Phrase: "secret", Action: guardrail.Block, Directions: []guardrail.Direction{guardrail.Output}},
		{Phrase: "", Action: guardrail.Block},
		{Phrase: "ignored", Action: guardrail.Allow},
	})

	tests := []struct {
		name    string
		text    string
		dir     guardrail.Direction
		want    guardrail.Action
		wantMsg string
	}{
		{"clean", "hello there, how are you?", guardrail.Input, guardrail.Allow, ""},
		{"empty", "   ", guardrail.Input, guardrail.Allow, ""},
		{"exact block", "my credit card number is four", guardrail.Input, guardrail.Block, "Please don't share card details."},
		{"punctuation and case", "Credit, CARD number: 1234", guardrail.Input, guardrail.Block, "Please don't share card details."},
		{"warn", "I'm thinking about a lawsuit", guardrail.Input, guardrail.Warn, "Legal topic."},
		{"block beats warn", "lawsuit over my credit card number", guardrail.Input, guardrail.Block, "Please don't share card details."},
		{"direction filtered", "that's a secret", guardrail.Input, guardrail.Allow, ""},
		{"direction applies", "that's a secret", guardrail.Output, guardrail.Block, guardrail.DefaultBlockMessage},
		{"partial phrase", "my credit is good", guardrail.Input, guardrail.Allow, ""},
		{"allow rules ignored", "ignored", guardrail.Input, guardrail.Allow, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := c.Check(context.Background(), tt.text, tt.dir)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if res.Action != tt.want {
				t.Errorf("Action = %q, want %q", res.Action, tt.want)
			}
			if res.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestChecker_PhoneticVariant(t *testing.T) {
	t.Parallel()

	c := phrase.New([]phrase.Rule{{Phrase: "Eldrinax", Action: guardrail.Block}}, phrase.WithPhoneticThreshold(0.8))
	res, err := c.Check(context.Background(), "tell me about eldrinacks", guardrail.Input)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Action != guardrail.Block {
		t.Errorf("Action = %q, want block for a phonetic variant", res.Action)
	}
	if res.Rule != "Eldrinax" {
		t.Errorf("Rule = %q", res.Rule)
	}
}
