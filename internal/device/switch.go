package device

import (
	"fmt"
	"strings"
)

// Switch option values. Stored and compared as canonical strings.
const (
	OptionOn       = "On"
	OptionOff      = "Off"
	OptionOpen     = "Open"
	OptionClose    = "Close"
	OptionStop     = "Stop"
	OptionStart    = "Start"
	OptionEnabled  = "Enabled"
	OptionDisabled = "Disabled"
	OptionIdle     = "Idle"
	OptionActivate = "Activate"
)

// Switch subtypes.
const (
	SubTypeGeneric = "generic"
	SubTypeLight   = "light"
	SubTypeContact = "contact"
	SubTypeBlinds  = "blinds"
	SubTypeMotion  = "motion"
	SubTypeScene   = "scene"
	SubTypeAction  = "action"
)

// SubTypeLogSink marks a Text device that collects notice messages.
const SubTypeLogSink = "log"

var switchOptions = map[string]string{
	strings.ToLower(OptionOn):       OptionOn,
	strings.ToLower(OptionOff):      OptionOff,
	strings.ToLower(OptionOpen):     OptionOpen,
	strings.ToLower(OptionClose):    OptionClose,
	strings.ToLower(OptionStop):     OptionStop,
	strings.ToLower(OptionStart):    OptionStart,
	strings.ToLower(OptionEnabled):  OptionEnabled,
	strings.ToLower(OptionDisabled): OptionDisabled,
	strings.ToLower(OptionIdle):     OptionIdle,
	strings.ToLower(OptionActivate): OptionActivate,
}

var switchOpposites = map[string]string{
	OptionOn:       OptionOff,
	OptionOff:      OptionOn,
	OptionOpen:     OptionClose,
	OptionClose:    OptionOpen,
	OptionStop:     OptionStart,
	OptionStart:    OptionStop,
	OptionEnabled:  OptionDisabled,
	OptionDisabled: OptionEnabled,
	OptionIdle:     OptionActivate,
	OptionActivate: OptionIdle,
}

// NormalizeOption resolves a case-insensitive option name to its canonical
// form. Booleans map to On/Off.
func NormalizeOption(v any) (string, error) {
	switch s := v.(type) {
	case string:
		if opt, ok := switchOptions[strings.ToLower(strings.TrimSpace(s))]; ok {
			return opt, nil
		}
		return "", fmt.Errorf("%w: unknown switch option %q", ErrBadValue, s)
	case bool:
		if s {
			return OptionOn, nil
		}
		return OptionOff, nil
	}
	return "", fmt.Errorf("%w: %T is not a switch option", ErrBadValue, v)
}

// OppositeValue returns the defined opposite of a switch option.
func OppositeValue(option string) (string, bool) {
	opp, ok := switchOpposites[option]
	return opp, ok
}
