package device

import "strings"

// Source identifies the origin of a value update. The flag values are wire
// format: rows and API payloads serialize a source as the integer sum.
type Source uint8

const (
	SourcePlugin Source = 1 << iota // 1
	SourceTimer                     // 2
	SourceScript                    // 4
	SourceAPI                       // 8
	SourceLink                      // 16
	SourceSystem                    // 32
	// SourceInternal marks reentrant pushes from inside the pipeline. It
	// is stripped before events fire and never appears on the wire.
	SourceInternal // 64
)

// Derived masks.
const (
	SourceUser  = SourceTimer | SourceScript | SourceAPI | SourceLink
	SourceEvent = SourceTimer | SourceScript | SourceLink
	SourceAny   = SourcePlugin | SourceUser | SourceSystem
)

var sourceNames = []struct {
	flag Source
	name string
}{
	{SourcePlugin, "plugin"},
	{SourceTimer, "timer"},
	{SourceScript, "script"},
	{SourceAPI, "api"},
	{SourceLink, "link"},
	{SourceSystem, "system"},
	{SourceInternal, "internal"},
}

// Has reports whether every flag in mask is set.
func (s Source) Has(mask Source) bool { return s&mask == mask }

// String returns the flag names joined with "|", or "none".
func (s Source) String() string {
	var parts []string
	for _, n := range sourceNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
