package tpspec

import (
	"testing"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

func TestParseIdentifier(t *testing.T) {
	cases := []struct {
		text           string
		wantSystem     string
		wantEvent      string
	}{
		{":sched:sched_switch", "sched", "sched_switch"},
		{"my_event", "user_events", "my_event"},
		{"usb:usb_submit_urb", "usb", "usb_submit_urb"},
	}
	for _, c := range cases {
		s, err := Parse(c.text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.text, err)
		}
		if s.Form != FormIdentifier {
			t.Errorf("Parse(%q).Form = %v, want FormIdentifier", c.text, s.Form)
		}
		if s.System != c.wantSystem || s.Event != c.wantEvent {
			t.Errorf("Parse(%q) = {%q %q}, want {%q %q}", c.text, s.System, s.Event, c.wantSystem, c.wantEvent)
		}
	}
}

// TestParseIdentifierForbidsFields covers spec §4.7: an identifier
// form names an existing tracepoint and must never carry a field
// declaration, even when it sneaks in after the colon rather than
// triggering the definition-form scan in Parse itself.
func TestParseIdentifierForbidsFields(t *testing.T) {
	cases := []string{
		":user_events:foo field:int x;",
		"foo field:int x;",
	}
	for _, text := range cases {
		_, err := Parse(text)
		if err == nil {
			t.Fatalf("Parse(%q): expected error, got nil", text)
		}
		if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
			t.Errorf("Parse(%q): kind = %v, want Invalid", text, kind)
		}
	}
}

func TestParseDefinition(t *testing.T) {
	s, err := Parse("user_events:myevent u32 field1; char field2[16]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Form != FormDefinition {
		t.Fatalf("Form = %v, want FormDefinition", s.Form)
	}
	if s.Event != "myevent" {
		t.Errorf("Event = %q, want myevent", s.Event)
	}
	if len(s.Fields) != 2 || s.Fields[0] != "u32 field1" || s.Fields[1] != "char field2[16]" {
		t.Errorf("Fields = %v", s.Fields)
	}
}

func TestParseDefinitionWrongSystem(t *testing.T) {
	_, err := Parse("sched:myevent u32 field1")
	if err == nil {
		t.Fatal("expected error for definition on non-user_events system")
	}
}

func TestParseEventHeader(t *testing.T) {
	s, err := Parse("user_events:MyProvider_L3_K10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Form != FormEventHeader {
		t.Fatalf("Form = %v, want FormEventHeader", s.Form)
	}
	if s.Event != "MyProvider" {
		t.Errorf("Event = %q, want MyProvider", s.Event)
	}
	if s.EventHeader.Level != 3 {
		t.Errorf("Level = %d, want 3", s.EventHeader.Level)
	}
	if s.EventHeader.Keyword != 0x10 {
		t.Errorf("Keyword = %#x, want 0x10", s.EventHeader.Keyword)
	}
}

func TestParseEventHeaderSeverityAndGroup(t *testing.T) {
	s, err := Parse("user_events:MyProvider_LWarning_Kff[Gnetworking]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.EventHeader.Severity != SeverityWarning {
		t.Errorf("Severity = %v, want SeverityWarning", s.EventHeader.Severity)
	}
	if s.EventHeader.Keyword != 0xff {
		t.Errorf("Keyword = %#x, want 0xff", s.EventHeader.Keyword)
	}
	if s.EventHeader.Group != "networking" {
		t.Errorf("Group = %q, want networking", s.EventHeader.Group)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty spec")
	}
	if _, err := Parse("   "); err == nil {
		t.Fatal("expected error for whitespace-only spec")
	}
}

func TestParseEventHeaderBadKeyword(t *testing.T) {
	_, err := Parse("user_events:MyProvider_L2_Kzz")
	if err == nil {
		t.Fatal("expected error for non-hex keyword")
	}
}
