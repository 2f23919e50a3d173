package transcript_test

import (
	"testing"

	"github.com/MrWong99/livevoice/pkg/transcript"
)

func TestRole_Valid(t *testing.T) {
	t.Parallel()

	for _, r := range []transcript.Role{transcript.RoleUser, transcript.RoleAgent, transcript.RoleSystem} {
		if !r.Valid() {
			t.Errorf("%q reported invalid", r)
		}
	}
	if transcript.Role("narrator").Valid() {
		t.Error("unknown role reported valid")
	}
}

func TestClone_DoesNotAlias(t *testing.T) {
	t.Parallel()

	orig := []transcript.Entry{{ID: "a", Text: "one"}}
	c := transcript.Clone(orig)
	c[0].Text = "changed"
	if orig[0].Text != "one" {
		t.Error("Clone shares backing array")
	}
	if transcript.Clone(nil) != nil {
		t.Error("Clone(nil) != nil")
	}
}

func TestEntry_Time(t *testing.T) {
	t.Parallel()

	e := transcript.Entry{TimestampMs: 1_700_000_000_123}
	if got := e.Time().UnixMilli(); got != e.TimestampMs {
		t.Errorf("Time().UnixMilli() = %d, want %d", got, e.TimestampMs)
	}
}
