// Package replay drives one exam attempt from a script of timed signals.
//
// A script is JSON lines; each line names a signal and the offset from the
// start of the attempt at which it is delivered:
//
//	{"at": "2.5s", "signal": "visibility", "value": "hidden"}
//	{"at": "3s",   "signal": "face", "value": false}
//	{"at": "4s",   "signal": "answer", "value": {"question": 0, "option": 1}}
//	{"at": "40s",  "signal": "submit"}
//
// Blank lines and lines starting with # are skipped. Offsets must not
// decrease.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"proctord/internal/signals"
)

// ErrInvalidScript is wrapped by every parse error.
var ErrInvalidScript = errors.New("replay: invalid script")

// Signal names a scripted action.
type Signal string

// Script signals.
const (
	SignalVisibility Signal = "visibility"
	SignalFullscreen Signal = "fullscreen"
	SignalFace       Signal = "face"
	SignalAnswer     Signal = "answer"
	SignalNext       Signal = "next"
	SignalPrev       Signal = "prev"
	SignalSubmit     Signal = "submit"
)

// Step is one parsed script line.
type Step struct {
	Line   int
	At     time.Duration
	Signal Signal

	Visibility signals.Visibility
	Fullscreen signals.Fullscreen
	// Faces is the number of detections in a face frame.
	Faces    int
	Question int
	Option   int
}

type rawStep struct {
	At     json.RawMessage `json:"at"`
	Signal Signal          `json:"signal"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type answerValue struct {
	Question *int `json:"question"`
	Option   *int `json:"option"`
}

// Parse reads a script.
func Parse(r io.Reader) ([]Step, error) {
	var steps []Step
	var last time.Duration

	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		step, err := parseLine(n, []byte(line))
		if err != nil {
			return nil, err
		}
		if step.At < last {
			return nil, fmt.Errorf("%w: line %d: offset %s before previous %s", ErrInvalidScript, n, step.At, last)
		}
		last = step.At
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return steps, nil
}

// ParseFile reads a script from path.
func ParseFile(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(n int, data []byte) (Step, error) {
	fail := func(format string, args ...interface{}) (Step, error) {
		return Step{}, fmt.Errorf("%w: line %d: %s", ErrInvalidScript, n, fmt.Sprintf(format, args...))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw rawStep
	if err := dec.Decode(&raw); err != nil {
		return fail("%v", err)
	}

	at, err := parseOffset(raw.At)
	if err != nil {
		return fail("%v", err)
	}
	step := Step{Line: n, At: at, Signal: raw.Signal}

	switch raw.Signal {
	case SignalVisibility:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fail("visibility value must be a string")
		}
		switch s {
		case "hidden":
			step.Visibility = signals.Hidden
		case "visible":
			step.Visibility = signals.Visible
		default:
			return fail("unknown visibility %q", s)
		}

	case SignalFullscreen:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fail("fullscreen value must be a string")
		}
		switch s {
		case "exited":
			step.Fullscreen = signals.FullscreenExited
		case "entered":
			step.Fullscreen = signals.FullscreenEntered
		default:
			return fail("unknown fullscreen state %q", s)
		}

	case SignalFace:
		var present bool
		if err := json.Unmarshal(raw.Value, &present); err == nil {
			if present {
				step.Faces = 1
			}
			break
		}
		var count int
		if err := json.Unmarshal(raw.Value, &count); err != nil || count < 0 {
			return fail("face value must be a boolean or a detection count")
		}
		step.Faces = count

	case SignalAnswer:
		var v answerValue
		if err := json.Unmarshal(raw.Value, &v); err != nil || v.Question == nil || v.Option == nil {
			return fail("answer value must be {\"question\": n, \"option\": n}")
		}
		step.Question, step.Option = *v.Question, *v.Option

	case SignalNext, SignalPrev, SignalSubmit:
		if len(raw.Value) > 0 && string(raw.Value) != "null" {
			return fail("%s takes no value", raw.Signal)
		}

	case "":
		return fail("missing signal")
	default:
		return fail("unknown signal %q", raw.Signal)
	}
	return step, nil
}

// parseOffset accepts a Go duration string or a number of seconds.
func parseOffset(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing at")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("bad at %q: %v", s, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("negative at %q", s)
		}
		return d, nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return 0, fmt.Errorf("at must be a duration string or seconds")
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative at %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
