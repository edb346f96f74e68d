package monitor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/loop"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/report"
	"proctord/internal/signals"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock      *clock.Manual
	queue      *loop.Queue
	rec        *report.Recorder
	metrics    *metrics.ProctorMetrics
	visibility signals.Feed[signals.Visibility]
	fullscreen signals.Feed[signals.Fullscreen]
	faces      signals.Feed[signals.Frame]
	mon        *Monitor
	decisions  []policy.Decision
	records    []policy.Record
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		clock:   clock.NewManual(epoch),
		queue:   loop.NewQueue(),
		rec:     report.NewRecorder(),
		metrics: metrics.NewProctorMetrics(metrics.NewRegistry("test")),
	}
	f.mon = New(cfg, report.Attempt{ID: "a1", UserID: "u1", ExamID: "e1"}, Deps{
		Clock:    f.clock,
		Poster:   f.queue,
		Reporter: f.rec,
		Logger:   logging.Discard(),
		Metrics:  f.metrics,
	})
	return f
}

func (f *fixture) arm() {
	f.mon.Arm(f.clock.Now(), Sources{
		Visibility: &f.visibility,
		Fullscreen: &f.fullscreen,
		Faces:      &f.faces,
	}, func(rec policy.Record, d policy.Decision) {
		f.records = append(f.records, rec)
		f.decisions = append(f.decisions, d)
	})
}

func (f *fixture) hide() {
	f.visibility.Send(signals.Hidden)
	f.queue.Drain()
}

func (f *fixture) exitFS() {
	f.fullscreen.Send(signals.FullscreenExited)
	f.queue.Drain()
}

func (f *fixture) face(present bool) {
	var frame signals.Frame
	if present {
		frame.Detections = []signals.Detection{{Score: 0.97}}
	}
	f.faces.Send(frame)
	f.queue.Drain()
}

func TestGate(t *testing.T) {
	c := clock.NewManual(epoch)
	g := NewGate(c, time.Second)

	assert.True(t, g.Admit())
	assert.Equal(t, epoch.Add(time.Second), g.ReleaseAt())
	c.Advance(999 * time.Millisecond)
	assert.False(t, g.Admit())
	c.Advance(time.Millisecond)
	assert.False(t, g.Engaged())
	assert.True(t, g.Admit())
	assert.True(t, g.Engaged())
}

func TestHiddenDuringGraceIsIgnored(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()

	f.clock.Advance(1500 * time.Millisecond)
	f.hide()
	assert.Empty(t, f.decisions)

	f.clock.Advance(500 * time.Millisecond)
	f.hide()
	require.Len(t, f.decisions, 1)
	assert.Equal(t, policy.TabSwitch, f.records[0].Kind)
}

func TestVisibleAndEnteredAreNotViolations(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()
	f.clock.Advance(5 * time.Second)

	f.visibility.Send(signals.Visible)
	f.fullscreen.Send(signals.FullscreenEntered)
	f.queue.Drain()
	assert.Empty(t, f.decisions)
}

func TestCoincidentSignalsYieldOneViolation(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()
	f.clock.Advance(3 * time.Second)

	// Leaving fullscreen also hides the page.
	f.fullscreen.Send(signals.FullscreenExited)
	f.visibility.Send(signals.Hidden)
	f.queue.Drain()

	require.Len(t, f.decisions, 1)
	assert.Equal(t, policy.FullscreenExit, f.records[0].Kind)
	assert.Len(t, f.rec.Violations(), 1)
	assert.Equal(t, uint64(1), f.metrics.CandidatesDropped.Value())
	assert.Equal(t, 1, f.mon.Counters().Total)
}

func TestAcceptedViolationIsReported(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()
	f.clock.Advance(3 * time.Second)
	f.exitFS()

	assert.Equal(t, []report.ViolationPayload{{
		UserID: "u1", ExamID: "e1", EventType: "Fullscreen exited", Risk: 30,
	}}, f.rec.Violations())
	assert.Equal(t, uint64(1), f.metrics.Violations(policy.FullscreenExit))
}

func TestFiveSpacedTabSwitches(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()

	for i := 0; i < 5; i++ {
		f.clock.Advance(2500 * time.Millisecond)
		f.hide()
	}

	require.Len(t, f.decisions, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, policy.Decision{Outcome: policy.Warn, Count: i + 1}, f.decisions[i])
	}
	assert.Equal(t, policy.Decision{Outcome: policy.Terminate, Count: 5}, f.decisions[4])
	for i, rec := range f.records {
		assert.Equal(t, i+1, rec.Sequence)
	}
}

func TestFaceStreakRaisesCandidate(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()

	for _, present := range []bool{false, false, true, false, false, false} {
		f.clock.Advance(100 * time.Millisecond)
		f.face(present)
	}

	require.Len(t, f.decisions, 1)
	assert.Equal(t, policy.FaceMissing, f.records[0].Kind)
	assert.Zero(t, f.mon.Counters().FaceMissingStreak)
}

func TestFaceStreakResetsEvenWhenGated(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()
	f.clock.Advance(3 * time.Second)
	f.exitFS()

	// The streak completes inside the cool-down: dropped, but still reset.
	for i := 0; i < 3; i++ {
		f.face(false)
	}
	assert.Len(t, f.decisions, 1)
	assert.Zero(t, f.mon.Counters().FaceMissingStreak)

	f.clock.Advance(time.Second)
	f.face(false)
	f.face(false)
	assert.Len(t, f.decisions, 1)
	f.face(false)
	assert.Len(t, f.decisions, 2)
}

func TestDisarmUnsubscribesAndDiscardsQueued(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.arm()
	f.clock.Advance(3 * time.Second)

	f.fullscreen.Send(signals.FullscreenExited)
	require.Equal(t, 1, f.queue.Len())
	f.mon.Disarm()
	f.queue.Drain()

	assert.Empty(t, f.decisions)
	assert.Empty(t, f.rec.Violations())
	assert.Zero(t, f.visibility.Subscribers())
	assert.Zero(t, f.fullscreen.Subscribers())
	assert.Zero(t, f.faces.Subscribers())
	assert.False(t, f.mon.Armed())
}

func TestNilSourcesAreSkipped(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.mon.Arm(epoch, Sources{Visibility: &f.visibility}, nil)
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Zero(t, f.faces.Subscribers())

	f.clock.Advance(3 * time.Second)
	f.hide()
	assert.Len(t, f.mon.Records(), 1)
}

// Property: however candidates are spread in time, accepted violations are
// at least one debounce window apart and the total equals the number
// accepted.
func TestDebounceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted violations respect the cool-down", prop.ForAll(
		func(gaps []int, kinds []bool) bool {
			cfg := DefaultConfig()
			cfg.Policy.MaxViolations = 1000
			f := newFixture(cfg)
			f.arm()
			f.clock.Advance(cfg.Grace)

			for i, gap := range gaps {
				f.clock.Advance(time.Duration(gap) * time.Millisecond)
				if i < len(kinds) && kinds[i] {
					f.fullscreen.Send(signals.FullscreenExited)
				} else {
					f.visibility.Send(signals.Hidden)
				}
				f.queue.Drain()
			}

			recs := f.mon.Records()
			for i := 1; i < len(recs); i++ {
				if recs[i].OccurredAt.Sub(recs[i-1].OccurredAt) < cfg.Debounce {
					return false
				}
			}
			return f.mon.Counters().Total == len(recs) && len(f.rec.Violations()) == len(recs)
		},
		gen.SliceOf(gen.IntRange(0, 2500)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
