package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"slug/internal/config"
	"slug/internal/hierarchy"
	"slug/internal/logging"
	"slug/internal/pipeline"
	"slug/internal/services"
	"slug/internal/testsupport"
)

type recordingLauncher struct {
	mu   sync.Mutex
	urls []string
}

func (l *recordingLauncher) Open(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, url)
	return nil
}

func (l *recordingLauncher) opened() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

type drainRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (d *drainRecorder) BeginShutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "begin")
}

func (d *drainRecorder) Drain(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "drain")
	return nil
}

func (d *drainRecorder) DrainTimeout() time.Duration { return time.Second }

func (d *drainRecorder) sequence() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.calls, ",")
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "ok")
})

var fastTimings = Timings{
	Interval:   10 * time.Millisecond,
	Timeout:    150 * time.Millisecond,
	Connect:    300 * time.Millisecond,
	CloseGrace: 100 * time.Millisecond,
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Server.Port = 0
	cfg.Server.OpenBrowser = true
	cfg.Server.ShutdownGrace = 2
	return cfg
}

func TestStartBindsLoopbackAndOpensBrowser(t *testing.T) {
	cfg := newTestConfig(t)
	launcher := &recordingLauncher{}
	drainer := &drainRecorder{}
	sup := New(cfg, drainer, logging.NewNop(), WithLauncher(launcher), WithTimings(fastTimings))

	if err := sup.Start(context.Background(), okHandler); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateRunning {
		t.Fatalf("state = %s", sup.State())
	}
	host, _, err := net.SplitHostPort(sup.Addr())
	if err != nil || host != "127.0.0.1" {
		t.Fatalf("bound to %q, want loopback", sup.Addr())
	}
	urls := launcher.opened()
	if len(urls) != 1 || !strings.Contains(urls[0], "session="+sup.SessionID()) {
		t.Fatalf("browser opened %v", urls)
	}

	resp, err := http.Get(sup.URL())
	if err != nil {
		t.Fatalf("GET session url: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := sup.Stop("test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state after stop = %s", sup.State())
	}
	if got := drainer.sequence(); got != "begin,drain" {
		t.Fatalf("shutdown sequence = %q", got)
	}
	if _, err := net.DialTimeout("tcp", sup.Addr(), 200*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	cfg := newTestConfig(t)
	cfg.Server.Port = held.Addr().(*net.TCPAddr).Port
	launcher := &recordingLauncher{}
	sup := New(cfg, nil, logging.NewNop(), WithLauncher(launcher))

	err = sup.Start(context.Background(), okHandler)
	if !errors.Is(err, services.ErrPortBind) {
		t.Fatalf("expected port bind error, got %v", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(cfg.Server.Port)) {
		t.Fatalf("error does not name the port: %v", err)
	}
	if sup.State() != StateFailed {
		t.Fatalf("state = %s", sup.State())
	}
	if len(launcher.opened()) != 0 {
		t.Fatal("browser launched after bind failure")
	}
}

func TestRunStopsWhenHeartbeatsStop(t *testing.T) {
	sup := New(newTestConfig(t), &drainRecorder{}, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(fastTimings))

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), okHandler) }()
	waitForState(t, sup, StateRunning)

	session := sup.SessionID()
	for range 5 {
		if err := sup.Heartbeat(session); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	if sup.State() != StateRunning {
		t.Fatal("service stopped while heartbeats were arriving")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop after heartbeats ceased")
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s", sup.State())
	}
}

func TestRunStopsWhenNoPageConnects(t *testing.T) {
	sup := New(newTestConfig(t), nil, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(fastTimings))

	start := time.Now()
	if err := sup.Run(context.Background(), okHandler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < fastTimings.Connect {
		t.Fatalf("stopped before connect timeout (%s)", elapsed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sup := New(newTestConfig(t), nil, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(Timings{
		Interval: time.Second, Timeout: time.Minute, Connect: time.Minute, CloseGrace: time.Minute,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, okHandler) }()
	waitForState(t, sup, StateRunning)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
}

func TestHeartbeatRejectsUnknownSession(t *testing.T) {
	sup := New(newTestConfig(t), nil, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(fastTimings))
	if err := sup.Heartbeat("nope"); !errors.Is(err, services.ErrShuttingDown) {
		t.Fatalf("heartbeat before start: %v", err)
	}
	if err := sup.Start(context.Background(), okHandler); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop("test")

	if err := sup.Heartbeat("nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := sup.Heartbeat(sup.SessionID()); err != nil {
		t.Fatal(err)
	}
	if h := sup.Health(); h.Heartbeats != 1 || h.State != StateRunning || h.LastHeartbeat.IsZero() {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestNetworkModeSkipsBrowserAndLiveness(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.Mode = config.ModeNetwork
	cfg.Server.NetworkBind = "127.0.0.1:0"
	launcher := &recordingLauncher{}
	sup := New(cfg, nil, logging.NewNop(), WithLauncher(launcher), WithTimings(fastTimings))

	ctx, cancel := context.WithTimeout(context.Background(), 2*fastTimings.Connect)
	defer cancel()
	start := time.Now()
	if err := sup.Run(ctx, okHandler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*fastTimings.Connect-50*time.Millisecond {
		t.Fatalf("network mode stopped on liveness after %s", elapsed)
	}
	if len(launcher.opened()) != 0 {
		t.Fatal("network mode opened a browser")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	drainer := &drainRecorder{}
	sup := New(newTestConfig(t), drainer, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(fastTimings))
	if err := sup.Start(context.Background(), okHandler); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Stop("test"); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()
	if sup.State() != StateStopped {
		t.Fatalf("state = %s", sup.State())
	}
	if got := drainer.sequence(); got != "begin,drain" {
		t.Fatalf("shutdown ran more than once: %q", got)
	}
}

func TestStopDrainsRunPastShutdownGrace(t *testing.T) {
	started := filepath.Join(t.TempDir(), "started")
	cfg := testsupport.NewConfig(t, testsupport.WithStubModule("convert", `touch '`+started+`'
sleep 2
echo x > "$SLUG_OUTPUT/volume.nii"`, nil))
	cfg.Server.ShutdownGrace = 1
	const seriesRel = "ProjA/Sub1/Study1/Series1"
	series := filepath.Join(cfg.Paths.DataDir, filepath.FromSlash(seriesRel))
	testsupport.WriteSeries(t, series, 1, testsupport.Instance{SeriesNumber: 1, Modality: "MR"})

	resolver, err := hierarchy.NewResolver(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	registry, err := pipeline.NewRegistry(cfg, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := pipeline.New(cfg, registry, resolver, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	sup := New(cfg, pipe, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(fastTimings))
	if err := sup.Start(context.Background(), okHandler); err != nil {
		t.Fatal(err)
	}
	addr := sup.Addr()

	results := make(chan pipeline.Result, 1)
	go func() {
		res, _ := pipe.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
		results <- res
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(started); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("module never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- sup.Stop("browser closed") }()

	released := false
	for end := time.Now().Add(time.Second); time.Now().Before(end); time.Sleep(20 * time.Millisecond) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			released = true
			break
		}
		_ = conn.Close()
	}
	if !released {
		t.Fatal("port still open while the run drains")
	}
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while the run was in flight: %v", err)
	default:
	}

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop never returned")
	}
	select {
	case res := <-results:
		if res.Status != pipeline.StatusSuccess {
			t.Fatalf("in-flight run status %s (%s)", res.Status, res.Error)
		}
	default:
		t.Fatal("Stop returned before the run finished")
	}
	if _, err := os.Stat(filepath.Join(series, hierarchy.ArtifactsDir, "convert", hierarchy.ManifestName)); err != nil {
		t.Fatalf("artifact not published: %v", err)
	}
	running, err := pipe.Records().List(pipeline.RecordRunning)
	if err != nil || len(running) != 0 {
		t.Fatalf("run records left running: %v %+v", err, running)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s", sup.State())
	}
}

func TestRunFailsWhenServeBreaks(t *testing.T) {
	drainer := &drainRecorder{}
	sup := New(newTestConfig(t), drainer, logging.NewNop(), WithLauncher(&recordingLauncher{}), WithTimings(Timings{
		Interval: time.Second, Timeout: time.Minute, Connect: time.Minute, CloseGrace: time.Minute,
	}))
	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), okHandler) }()
	waitForState(t, sup, StateRunning)

	sup.mu.Lock()
	ln := sup.listener
	sup.mu.Unlock()
	_ = ln.Close()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "serve") {
			t.Fatalf("Run returned %v, want serve error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run ignored the serve failure")
	}
	if sup.State() != StateFailed {
		t.Fatalf("state = %s, want failed", sup.State())
	}
	if got := drainer.sequence(); got != "begin,drain" {
		t.Fatalf("shutdown sequence = %q", got)
	}
	if err := sup.Stop("again"); err != nil {
		t.Fatalf("Stop after failure: %v", err)
	}
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for sup.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s never reached (at %s)", want, sup.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
