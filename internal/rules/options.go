package rules

import (
	"strconv"
	"strings"
)

// TaskOptions shape a planned device update: run After seconds from now,
// hold the value For seconds, repeat with Interval seconds between
// iterations. Clear cancels pending drives on the target first; Recur
// clears the event-source bits so the resulting update re-fires handlers.
type TaskOptions struct {
	For      float64
	After    float64
	Repeat   int
	Interval float64
	Clear    bool
	Recur    bool
}

// DefaultOptions returns the options an empty string parses to.
func DefaultOptions() TaskOptions {
	return TaskOptions{Repeat: 1}
}

// ParseOptions parses the free-form options string accepted by the script
// API, e.g. "AFTER 5 SECONDS FOR 30 MINUTES REPEAT 3 CLEAR". Tokens are
// case-insensitive; numbers attach to the last keyword seen and unit words
// multiply the most recently filled slot. Unknown tokens are ignored.
func ParseOptions(raw string) TaskOptions {
	opts := DefaultOptions()

	var last *float64   // numeric slot the next number fills
	var recent *float64 // slot a unit word scales
	var repeatVal float64

	for _, token := range strings.Fields(strings.ToUpper(raw)) {
		switch token {
		case "FOR":
			last = &opts.For
		case "AFTER":
			last = &opts.After
		case "REPEAT":
			last = &repeatVal
		case "INTERVAL":
			last = &opts.Interval
		case "CLEAR":
			opts.Clear = true
			last = nil
		case "RECUR":
			opts.Recur = true
			last = nil
		case "SECOND", "SECONDS":
			// seconds are the base unit
			recent = nil
		case "MINUTE", "MINUTES":
			if recent != nil {
				*recent *= 60
				recent = nil
			}
		case "HOUR", "HOURS":
			if recent != nil {
				*recent *= 3600
				recent = nil
			}
		default:
			n, err := strconv.ParseFloat(token, 64)
			if err != nil || last == nil {
				continue
			}
			*last = n
			recent = last
		}
	}

	if repeatVal != 0 {
		opts.Repeat = int(repeatVal)
	}
	if opts.Repeat == 0 {
		opts.Repeat = 1
	}
	return opts
}
