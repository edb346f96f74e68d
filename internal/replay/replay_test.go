package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/loop"
	"proctord/internal/policy"
	"proctord/internal/report"
	"proctord/internal/session"
	"proctord/internal/signals"
)

var epoch = time.Date(2026, 5, 11, 14, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	script := `
# warm-up
{"at": "0s", "signal": "answer", "value": {"question": 0, "option": 1}}
{"at": 2.5, "signal": "visibility", "value": "hidden"}
{"at": "3s", "signal": "fullscreen", "value": "exited"}
{"at": "4s", "signal": "face", "value": false}
{"at": "4.5s", "signal": "face", "value": 2}

{"at": "5s", "signal": "next"}
{"at": "6s", "signal": "submit"}
`
	steps, err := Parse(strings.NewReader(script))
	require.NoError(t, err)
	require.Len(t, steps, 7)

	assert.Equal(t, Step{Line: 3, At: 0, Signal: SignalAnswer, Question: 0, Option: 1}, steps[0])
	assert.Equal(t, 2500*time.Millisecond, steps[1].At)
	assert.Equal(t, signals.Hidden, steps[1].Visibility)
	assert.Equal(t, signals.FullscreenExited, steps[2].Fullscreen)
	assert.Equal(t, 0, steps[3].Faces)
	assert.Equal(t, 2, steps[4].Faces)
	assert.Equal(t, SignalNext, steps[5].Signal)
	assert.Equal(t, 9, steps[5].Line)
	assert.Equal(t, SignalSubmit, steps[6].Signal)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"not json", `at 1s hidden`, "line 1"},
		{"unknown field", `{"at":"1s","signal":"submit","extra":1}`, "unknown field"},
		{"missing at", `{"signal":"submit"}`, "missing at"},
		{"negative at", `{"at":"-1s","signal":"submit"}`, "negative"},
		{"bad duration", `{"at":"soon","signal":"submit"}`, "bad at"},
		{"missing signal", `{"at":"1s"}`, "missing signal"},
		{"unknown signal", `{"at":"1s","signal":"blink"}`, "unknown signal"},
		{"bad visibility", `{"at":"1s","signal":"visibility","value":"gone"}`, "unknown visibility"},
		{"bad fullscreen", `{"at":"1s","signal":"fullscreen","value":true}`, "must be a string"},
		{"bad face", `{"at":"1s","signal":"face","value":"yes"}`, "boolean or a detection count"},
		{"incomplete answer", `{"at":"1s","signal":"answer","value":{"question":1}}`, "answer value"},
		{"submit with value", `{"at":"1s","signal":"submit","value":1}`, "takes no value"},
		{"decreasing", "{\"at\":\"2s\",\"signal\":\"submit\"}\n{\"at\":\"1s\",\"signal\":\"submit\"}", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.script))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidScript), err.Error())
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"at":"1s","signal":"submit"}`+"\n"), 0o600))

	steps, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

// correctAnswers answers the first n built-in questions correctly.
func correctAnswers(at time.Duration, n int) string {
	correct := []int{1, 0, 2, 2, 1, 2, 2, 0, 2, 1}
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"at":"%s","signal":"answer","value":{"question":%d,"option":%d}}`+"\n", at, i, correct[i])
	}
	return b.String()
}

type manualRun struct {
	t      *testing.T
	clock  *clock.Manual
	queue  *loop.Queue
	rec    *report.Recorder
	out    *bytes.Buffer
	player *Player
}

func newManualRun(t *testing.T, cfg Config) *manualRun {
	t.Helper()
	r := &manualRun{
		t:     t,
		clock: clock.NewManual(epoch),
		queue: loop.NewQueue(),
		rec:   report.NewRecorder(),
		out:   &bytes.Buffer{},
	}
	n := 0
	p, err := NewPlayer(cfg, Deps{
		Clock:    r.clock,
		Loop:     r.queue,
		Reporter: r.rec,
		Out:      r.out,
		Logger:   logging.Discard(),
		NewID: func() string {
			n++
			return fmt.Sprintf("attempt-%d", n)
		},
	})
	require.NoError(t, err)
	r.player = p
	return r
}

func (r *manualRun) start(steps []Step) {
	r.t.Helper()
	r.queue.Post(func() { r.player.Start(steps) })
	r.queue.Drain()
	require.Eventually(r.t, func() bool { return r.queue.Len() > 0 }, time.Second, time.Millisecond)
	r.queue.Drain()
}

func (r *manualRun) advance(d time.Duration) {
	for step := 100 * time.Millisecond; d > 0; d -= step {
		r.clock.Advance(step)
		r.queue.Drain()
	}
}

func TestPlayerScriptedAttempt(t *testing.T) {
	archive := t.TempDir()
	r := newManualRun(t, Config{Session: session.DefaultConfig("u1", "e1"), ArchiveDir: archive})

	script := correctAnswers(time.Second, 7) + `
{"at":"3s","signal":"visibility","value":"hidden"}
{"at":"3.5s","signal":"visibility","value":"visible"}
{"at":"4s","signal":"face","value":false}
{"at":"5s","signal":"face","value":false}
{"at":"6s","signal":"face","value":false}
{"at":"8s","signal":"submit"}
`
	steps, err := Parse(strings.NewReader(script))
	require.NoError(t, err)

	r.start(steps)
	r.advance(10 * time.Second)

	sum := r.player.Controller().Summary()
	require.NotNil(t, sum.Result)
	assert.Equal(t, session.Submitted, sum.State)
	assert.Equal(t, 7, sum.Result.Score)
	assert.Equal(t, 10, sum.Result.Total)
	assert.Equal(t, 2, sum.Result.Violations)
	require.Len(t, sum.Violations, 2)
	assert.Equal(t, policy.TabSwitch, sum.Violations[0].Kind)
	assert.Equal(t, policy.FaceMissing, sum.Violations[1].Kind)

	assert.Equal(t, []report.SubmitPayload{{UserID: "u1", ExamID: "e1", Score: 7}}, r.rec.Submissions())
	require.Len(t, r.rec.Violations(), 2)
	assert.Equal(t, "Face not detected", r.rec.Violations()[1].EventType)

	out := r.out.String()
	assert.Contains(t, out, "! Tab switch detected (1/4)")
	assert.Contains(t, out, "! Face not detected (2/4)")
	assert.Contains(t, out, "Score: 7 / 10")
	assert.Equal(t, 0, r.clock.Pending(), "timers left after the attempt ended")

	path, err := r.player.Archive()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(archive, "attempt-1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Archive
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "attempt-1", got.Summary.AttemptID)
	assert.Equal(t, 7, got.Summary.Result.Score)
	require.Len(t, got.Answers, 10)
	assert.True(t, got.Answers[0].Right)
	assert.False(t, got.Answers[9].Answered)
}

func TestPlayerNextOnLastQuestionSubmits(t *testing.T) {
	r := newManualRun(t, Config{Session: session.DefaultConfig("u1", "e1")})

	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, `{"at":"%dms","signal":"next"}`+"\n", 100*(i+1))
	}
	steps, err := Parse(strings.NewReader(b.String()))
	require.NoError(t, err)

	r.start(steps)
	r.advance(2 * time.Second)

	assert.Equal(t, session.Submitted, r.player.Controller().State())
	assert.Equal(t, 9, r.player.Sheet().Current())
	assert.Equal(t, []report.SubmitPayload{{UserID: "u1", ExamID: "e1", Score: 0}}, r.rec.Submissions())
}

func TestPlayerTerminatesAfterFifthViolation(t *testing.T) {
	r := newManualRun(t, Config{Session: session.DefaultConfig("u1", "e1")})

	var b strings.Builder
	for i := 0; i < 5; i++ {
		at := 3*time.Second + time.Duration(i)*2*time.Second
		fmt.Fprintf(&b, `{"at":"%s","signal":"fullscreen","value":"exited"}`+"\n", at)
	}
	b.WriteString(`{"at":"20s","signal":"submit"}` + "\n")
	steps, err := Parse(strings.NewReader(b.String()))
	require.NoError(t, err)

	r.start(steps)
	r.advance(25 * time.Second)

	assert.Equal(t, session.Terminated, r.player.Controller().State())
	assert.Empty(t, r.rec.Submissions())
	assert.Len(t, r.rec.Violations(), 5)
	assert.Contains(t, r.out.String(), session.TerminatedTitle)
}

func TestPlayerMergesExtraVisibilitySource(t *testing.T) {
	var desktop signals.Feed[signals.Visibility]
	r := &manualRun{t: t, clock: clock.NewManual(epoch), queue: loop.NewQueue(), rec: report.NewRecorder(), out: &bytes.Buffer{}}
	p, err := NewPlayer(Config{Session: session.DefaultConfig("u1", "e1")}, Deps{
		Clock:      r.clock,
		Loop:       r.queue,
		Reporter:   r.rec,
		Visibility: &desktop,
		Out:        r.out,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	r.player = p

	r.start(nil)
	r.advance(3 * time.Second)
	desktop.Send(signals.Hidden)
	r.queue.Drain()

	require.Len(t, r.rec.Violations(), 1)
	assert.Equal(t, "Tab switch detected", r.rec.Violations()[0].EventType)

	p.Stop()
	assert.Equal(t, 0, desktop.Subscribers())
}

func TestRunSubmits(t *testing.T) {
	archive := t.TempDir()
	out := &bytes.Buffer{}
	rec := report.NewRecorder()

	steps, err := Parse(strings.NewReader(correctAnswers(0, 1) + `{"at":"100ms","signal":"submit"}` + "\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := Run(ctx, Config{Session: session.DefaultConfig("u1", "e1"), ArchiveDir: archive}, Deps{
		Reporter: rec,
		Out:      out,
		Logger:   logging.Discard(),
	}, steps)
	require.NoError(t, err)

	assert.Equal(t, session.Submitted, sum.State)
	require.NotNil(t, sum.Result)
	assert.Equal(t, 1, sum.Result.Score)
	assert.Contains(t, out.String(), "Exam Submitted")
	assert.FileExists(t, filepath.Join(archive, sum.AttemptID+".json"))
}

func TestRunCameraDenied(t *testing.T) {
	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sum, err := Run(ctx, Config{Session: session.DefaultConfig("u1", "e1"), DenyCamera: true}, Deps{
		Reporter: report.NewRecorder(),
		Out:      out,
		Logger:   logging.Discard(),
	}, nil)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, session.NotStarted, sum.State)
	assert.Contains(t, out.String(), "Exam could not start")
}

func TestRunCancelledSubmitsRecordedAnswers(t *testing.T) {
	rec := report.NewRecorder()
	steps, err := Parse(strings.NewReader(correctAnswers(0, 2)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sum, err := Run(ctx, Config{Session: session.DefaultConfig("u1", "e1")}, Deps{
		Reporter: rec,
		Logger:   logging.Discard(),
	}, steps)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Submitted, sum.State)
	assert.Equal(t, []report.SubmitPayload{{UserID: "u1", ExamID: "e1", Score: 2}}, rec.Submissions())
}
