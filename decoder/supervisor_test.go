package decoder

import (
	"sync"
	"testing"
	"time"

	"autorx/telemetry"
)

// collector is a thread-safe consumer used to observe dispatched records.
type collector struct {
	mu   sync.Mutex
	recs []*telemetry.Record
}

func (c *collector) consume(rec *telemetry.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collector) records() []*telemetry.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*telemetry.Record(nil), c.recs...)
}

// newTestSupervisor builds a supervisor whose pipeline is replaced with a
// single shell stage so tests exercise the real spawn, drain and teardown
// paths without any SDR tooling installed.
func newTestSupervisor(t *testing.T, script string, timeout time.Duration, sink *collector) *Supervisor {
	t.Helper()
	disp, err := telemetry.NewDispatcher(nil, sink.consume)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	cfg := Config{
		Type:         "RS41",
		Freq:         401.5e6,
		Device:       "0",
		Timeout:      timeout,
		PollInterval: 10 * time.Millisecond,
	}
	sup, err := NewSupervisor(cfg, disp, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	sup.pipeline = &Pipeline{Stages: [][]string{{"/bin/sh", "-c", script}}}
	sup.grace = 10 * time.Millisecond
	return sup
}

const validTelemetryLine = `{"frame":1909,"id":"N1234567","datetime":"2020-01-01T01:02:03Z","lat":-34.01,"lon":138.71,"alt":1001.1}`

func TestSupervisorDispatchesValidFrames(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "echo '"+validTelemetryLine+"'; sleep 5", 10*time.Second, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Running() {
		t.Fatalf("expected supervisor to be running after Start")
	}

	waitFor(t, func() bool { return sup.Frames() == 1 }, "dispatched frame")
	sup.Stop()

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID != "N1234567" || recs[0].Frame != 1909 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if sup.ExitState() != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, sup.ExitState())
	}
}

func TestSupervisorEncryptedFrameClosesSession(t *testing.T) {
	sink := &collector{}
	line := `{"frame":10,"id":"R3320001","datetime":"2020-01-01T01:02:03Z","lat":0.0,"lon":0.0,"alt":100.0,"encrypted":true}`
	sup := newTestSupervisor(t, "echo '"+line+"'; sleep 5", 10*time.Second, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not close on encrypted telemetry")
	}

	if got := sup.ExitState(); got != StateEncrypted {
		t.Fatalf("expected %s, got %s", StateEncrypted, got)
	}
	if len(sink.records()) != 0 {
		t.Fatalf("encrypted telemetry must not be dispatched")
	}
	if sup.Running() {
		t.Fatalf("terminal state must not report running")
	}
}

func TestSupervisorTimesOutWithoutTelemetry(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "sleep 30", 100*time.Millisecond, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not time out")
	}

	if got := sup.ExitState(); got != StateTimedOut {
		t.Fatalf("expected %s, got %s", StateTimedOut, got)
	}
}

func TestSupervisorTimesOutDespiteInvalidLines(t *testing.T) {
	sink := &collector{}
	// The child streams decoder chatter and syntactically valid JSON with an
	// unparseable timestamp faster than the poll interval. Neither may reset
	// the staleness clock.
	script := `while true; do
		echo 'scanning for signal...'
		echo '{"frame":1,"id":"N1","datetime":"xx:yy:zz","lat":1.0,"lon":2.0,"alt":3.0}'
		sleep 0.05
	done`
	sup := newTestSupervisor(t, script, 200*time.Millisecond, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not time out under a stream of rejects")
	}

	if got := sup.ExitState(); got != StateTimedOut {
		t.Fatalf("expected %s, got %s", StateTimedOut, got)
	}
	if sup.Frames() != 0 {
		t.Fatalf("rejected lines must not count as accepted frames, got %d", sup.Frames())
	}
	if len(sink.records()) != 0 {
		t.Fatalf("rejected lines must not be dispatched")
	}
}

func TestSupervisorStopsWhenSubprocessExits(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "echo '"+validTelemetryLine+"'", 10*time.Second, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not notice subprocess exit")
	}

	if got := sup.ExitState(); got != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, got)
	}
	if sup.Frames() != 1 {
		t.Fatalf("expected the final frame to be dispatched before close, got %d", sup.Frames())
	}
}

func TestSupervisorNonTelemetryLinesIgnored(t *testing.T) {
	sink := &collector{}
	script := "echo 'Found RS41 at 401.5 MHz'; echo '" + validTelemetryLine + "'"
	sup := newTestSupervisor(t, script, 10*time.Second, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sup.Done()

	if sup.Frames() != 1 {
		t.Fatalf("expected exactly 1 accepted frame, got %d", sup.Frames())
	}
	if got := sup.ExitState(); got != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, got)
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "sleep 30", 10*time.Second, sink)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Stop()
	sup.Stop()

	if got := sup.ExitState(); got != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, got)
	}
}

func TestSupervisorStopDuringStart(t *testing.T) {
	// Start and Stop race from different goroutines. Whichever wins, once
	// Stop returns there must be no running child: either Start never
	// launched one, or teardown has fully completed.
	for i := 0; i < 10; i++ {
		sink := &collector{}
		sup := newTestSupervisor(t, "sleep 30", 10*time.Second, sink)

		errc := make(chan error, 1)
		go func() { errc <- sup.Start() }()
		sup.Stop()

		if err := <-errc; err == nil {
			select {
			case <-sup.Done():
			default:
				t.Fatalf("Stop returned before teardown completed")
			}
		}
		if state := sup.ExitState(); !state.terminal() {
			t.Fatalf("expected a terminal state after Stop, got %s", state)
		}
	}
}

func TestSupervisorStopBeforeStart(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "true", 10*time.Second, sink)

	sup.Stop()
	if got := sup.ExitState(); got != StateStopped {
		t.Fatalf("expected %s, got %s", StateStopped, got)
	}
	if err := sup.Start(); err == nil {
		t.Fatalf("Start after Stop must fail")
	}
}

func TestSupervisorStartFailureFaults(t *testing.T) {
	sink := &collector{}
	sup := newTestSupervisor(t, "true", 10*time.Second, sink)
	sup.pipeline = &Pipeline{Stages: [][]string{{"/nonexistent/decoder-binary"}}}

	if err := sup.Start(); err == nil {
		t.Fatalf("expected Start to fail for a missing binary")
	}
	if got := sup.ExitState(); got != StateFaulted {
		t.Fatalf("expected %s, got %s", StateFaulted, got)
	}
	// Done must still be closed so callers waiting on it are released.
	select {
	case <-sup.Done():
	default:
		t.Fatalf("Done must be closed after a failed Start")
	}

	// A faulted supervisor must refuse to relaunch: a second Start returns
	// an error rather than respawning.
	if err := sup.Start(); err == nil {
		t.Fatalf("Start on a faulted supervisor must fail")
	}
	if got := sup.ExitState(); got != StateFaulted {
		t.Fatalf("expected state to remain %s, got %s", StateFaulted, got)
	}
	sup.Stop()
	if got := sup.ExitState(); got != StateFaulted {
		t.Fatalf("Stop must not overwrite %s, got %s", StateFaulted, got)
	}
}

func TestNewSupervisorRejectsNilDispatcher(t *testing.T) {
	cfg := Config{Type: "RS41", Freq: 401.5e6}
	if _, err := NewSupervisor(cfg, nil, nil); err == nil {
		t.Fatalf("expected nil dispatcher to be rejected")
	}
}
