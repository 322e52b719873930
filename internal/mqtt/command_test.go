package mqtt

import (
	"errors"
	"testing"
)

func TestParseCoverCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    CoverCommand
	}{
		{"OPEN", CoverCommand{Action: CoverOpen}},
		{"close", CoverCommand{Action: CoverClose}},
		{" Stop ", CoverCommand{Action: CoverStop}},
		{"0", CoverCommand{Action: CoverSetPosition, Position: 0}},
		{"42", CoverCommand{Action: CoverSetPosition, Position: 42}},
		{"100", CoverCommand{Action: CoverSetPosition, Position: 100}},
	}
	for _, tt := range tests {
		got, err := ParseCoverCommand(tt.payload)
		if err != nil {
			t.Errorf("ParseCoverCommand(%q) error = %v", tt.payload, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCoverCommand(%q) = %+v, want %+v", tt.payload, got, tt.want)
		}
	}
}

func TestParseCoverCommand_Invalid(t *testing.T) {
	for _, payload := range []string{"", "-1", "101", "half", "4.5"} {
		if _, err := ParseCoverCommand(payload); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("ParseCoverCommand(%q) error = %v, want ErrInvalidCommand", payload, err)
		}
	}
}

func TestParseSwitchCommand(t *testing.T) {
	tests := map[string]bool{"ON": true, "on": true, "OFF": false, " off\n": false}
	for payload, want := range tests {
		got, err := ParseSwitchCommand(payload)
		if err != nil || got != want {
			t.Errorf("ParseSwitchCommand(%q) = %v, %v; want %v", payload, got, err, want)
		}
	}
	if _, err := ParseSwitchCommand("toggle"); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("toggle error = %v, want ErrInvalidCommand", err)
	}
}

func TestCoverAction_String(t *testing.T) {
	if CoverSetPosition.String() != "set_position" || CoverAction(0).String() != "unknown" {
		t.Error("unexpected CoverAction names")
	}
}
