package device

import (
	"errors"
	"testing"
)

func TestNormalizeOption(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"On", OptionOn},
		{"on", OptionOn},
		{" OFF ", OptionOff},
		{"activate", OptionActivate},
		{true, OptionOn},
		{false, OptionOff},
	}
	for _, c := range cases {
		got, err := NormalizeOption(c.in)
		if err != nil {
			t.Errorf("NormalizeOption(%v) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeOption(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeOptionRejectsUnknown(t *testing.T) {
	for _, in := range []any{"Sideways", 7, nil} {
		if _, err := NormalizeOption(in); !errors.Is(err, ErrBadValue) {
			t.Errorf("NormalizeOption(%v) = %v, want ErrBadValue", in, err)
		}
	}
}

func TestOppositeValueRoundTrip(t *testing.T) {
	for _, opt := range []string{
		OptionOn, OptionOff, OptionOpen, OptionClose, OptionStop,
		OptionStart, OptionEnabled, OptionDisabled, OptionIdle, OptionActivate,
	} {
		opp, ok := OppositeValue(opt)
		if !ok {
			t.Errorf("no opposite for %q", opt)
			continue
		}
		back, ok := OppositeValue(opp)
		if !ok || back != opt {
			t.Errorf("OppositeValue(%q) = %q; round trip gave %q", opt, opp, back)
		}
	}
}

func TestSourceString(t *testing.T) {
	if got := (SourcePlugin | SourceTimer).String(); got != "plugin|timer" {
		t.Errorf("String() = %q", got)
	}
	if got := SourceAPI.String(); got != "api" {
		t.Errorf("String() = %q", got)
	}
	if got := Source(0).String(); got != "none" {
		t.Errorf("String() = %q", got)
	}
}
