package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

const seriesRel = "ProjA/Sub1/Study1/Series1"

var formatOption = map[string]config.ModuleOption{
	"format": {Values: []string{"nifti", "nrrd"}, Default: "nifti"},
}

type fixture struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	series   string
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	series := filepath.Join(cfg.Paths.DataDir, filepath.FromSlash(seriesRel))
	testsupport.WriteSeries(t, series, 3, testsupport.Instance{SeriesNumber: 1, Modality: "MR"})

	resolver, err := hierarchy.NewResolver(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	registry, err := pipeline.NewRegistry(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, err := pipeline.New(cfg, registry, resolver, logging.NewNop())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return fixture{cfg: cfg, pipeline: p, series: series}
}

func visibleFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func counterPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".count")
}

func TestRunPublishesThenSkipsCached(t *testing.T) {
	counter := counterPath(t, "convert")
	f := newFixture(t, testsupport.WithStubModule("convert", testsupport.CountingModuleBody(counter, "volume.nii", 0), formatOption))
	ctx := context.Background()

	first, err := f.pipeline.Run(ctx, "convert", seriesRel, map[string]string{"format": "nifti"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Status != pipeline.StatusSuccess {
		t.Fatalf("first status = %s", first.Status)
	}
	outDir := filepath.Join(f.series, "_artifacts", "convert")
	files := visibleFiles(t, outDir)
	if len(files) != 1 || filepath.Base(files[0]) != "volume.nii" {
		t.Fatalf("expected exactly one artifact file, got %v", files)
	}
	if len(first.ArtifactPaths) != 1 || first.ArtifactPaths[0] != files[0] {
		t.Fatalf("unexpected artifact paths %v", first.ArtifactPaths)
	}
	manifestInfo, err := os.Stat(filepath.Join(outDir, hierarchy.ManifestName))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}

	second, err := f.pipeline.Run(ctx, "convert", seriesRel, map[string]string{"format": "nifti"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Status != pipeline.StatusSkippedCached {
		t.Fatalf("second status = %s", second.Status)
	}
	if second.Key != first.Key {
		t.Fatal("idempotence key changed between identical runs")
	}
	if got := testsupport.CountLines(t, counter); got != 1 {
		t.Fatalf("module invoked %d times, want 1", got)
	}
	again, err := os.Stat(filepath.Join(outDir, hierarchy.ManifestName))
	if err != nil {
		t.Fatal(err)
	}
	if !again.ModTime().Equal(manifestInfo.ModTime()) {
		t.Fatal("cached run rewrote the manifest")
	}

	third, err := f.pipeline.Run(ctx, "convert", seriesRel, map[string]string{"format": "nifti", "overwrite": "true"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("overwrite run: %v", err)
	}
	if third.Status != pipeline.StatusSuccess || third.Key != first.Key {
		t.Fatalf("overwrite run: status %s key changed %v", third.Status, third.Key != first.Key)
	}
	if got := testsupport.CountLines(t, counter); got != 2 {
		t.Fatalf("module invoked %d times, want 2", got)
	}
}

func TestRunKeyTracksInputAndOptions(t *testing.T) {
	counter := counterPath(t, "convert")
	f := newFixture(t, testsupport.WithStubModule("convert", testsupport.CountingModuleBody(counter, "volume", 0), formatOption))
	ctx := context.Background()

	base, err := f.pipeline.Run(ctx, "convert", seriesRel, nil, pipeline.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	nrrd, err := f.pipeline.Run(ctx, "convert", seriesRel, map[string]string{"format": "nrrd"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if nrrd.Status != pipeline.StatusSuccess || nrrd.Key == base.Key {
		t.Fatalf("changing an option must produce a new run, got %s", nrrd.Status)
	}

	testsupport.WriteDICOM(t, filepath.Join(f.series, "IM0004"), testsupport.Instance{SeriesNumber: 1, InstanceNumber: 4})
	grown, err := f.pipeline.Run(ctx, "convert", seriesRel, map[string]string{"format": "nrrd"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if grown.Status != pipeline.StatusSuccess || grown.Key == nrrd.Key {
		t.Fatalf("changing the input must produce a new run, got %s", grown.Status)
	}
	if got := testsupport.CountLines(t, counter); got != 3 {
		t.Fatalf("module invoked %d times, want 3", got)
	}
}

func TestRunFollowsInvocationContract(t *testing.T) {
	body := `echo "$@" > "$SLUG_OUTPUT/args.txt"
echo "$SLUG_MODULE $SLUG_OPTIONS" > "$SLUG_OUTPUT/env.txt"`
	f := newFixture(t, testsupport.WithStubModule("convert", body, formatOption))

	res, err := f.pipeline.Run(context.Background(), "convert", seriesRel, map[string]string{"format": "nrrd"}, pipeline.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	args, err := os.ReadFile(filepath.Join(res.OutputDir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(args)
	if !strings.Contains(text, "--input "+f.series) {
		t.Fatalf("missing --input in %q", text)
	}
	if !strings.Contains(text, "--output "+filepath.Join(f.series, "_artifacts", ".staging-convert-"+res.RunID)) {
		t.Fatalf("missing staging --output in %q", text)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "--format nrrd") {
		t.Fatalf("missing option in %q", text)
	}
	env, err := os.ReadFile(filepath.Join(res.OutputDir, "env.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(env)) != `convert {"format":"nrrd"}` {
		t.Fatalf("unexpected env %q", env)
	}
}

func TestFailingModuleLeavesNoArtifact(t *testing.T) {
	f := newFixture(t, testsupport.WithStubModule("convert", `echo "partial" > "$SLUG_OUTPUT/half.nii"
echo "dcm2niix: bad slice spacing" >&2
exit 3`, nil))

	res, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
	if !errors.Is(err, services.ErrModuleFailed) {
		t.Fatalf("expected module failure, got %v", err)
	}
	if res.Status != pipeline.StatusFailed || res.ExitCode != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ErrorKind != "MODULE_FAILED" {
		t.Fatalf("error kind = %q", res.ErrorKind)
	}
	if !strings.Contains(res.LogExcerpt, "bad slice spacing") {
		t.Fatalf("log excerpt %q lacks stderr", res.LogExcerpt)
	}
	if !strings.Contains(err.Error(), seriesRel) || !strings.Contains(err.Error(), "exit 3") {
		t.Fatalf("error lacks context: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.series, "_artifacts", "convert")); !os.IsNotExist(err) {
		t.Fatalf("expected no output directory, stat err = %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(f.series, "_artifacts"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") {
			t.Fatalf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestFailedRerunKeepsPreviousArtifact(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "fail")
	body := `if [ -e '` + flag + `' ]; then exit 1; fi
echo ok > "$SLUG_OUTPUT/report.pdf"`
	f := newFixture(t, testsupport.WithStubModule("report", body, nil))
	ctx := context.Background()

	if _, err := f.pipeline.Run(ctx, "report", seriesRel, nil, pipeline.RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(flag, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := f.pipeline.Run(ctx, "report", seriesRel, map[string]string{"overwrite": "true"}, pipeline.RunOptions{})
	if err == nil || res.Status != pipeline.StatusFailed {
		t.Fatalf("expected failure, got %s %v", res.Status, err)
	}
	outDir := filepath.Join(f.series, "_artifacts", "report")
	a, err := hierarchy.ReadManifest(outDir)
	if err != nil {
		t.Fatalf("previous manifest lost: %v", err)
	}
	if err := a.Verify(outDir); err != nil {
		t.Fatalf("previous artifact damaged: %v", err)
	}
}

func TestConcurrentRunsSerializePerEntityModule(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "inflight")
	overlap := filepath.Join(t.TempDir(), "overlap")
	counter := filepath.Join(t.TempDir(), "count")
	body := `mkdir '` + marker + `' 2>/dev/null || echo overlap >> '` + overlap + `'
echo run >> '` + counter + `'
sleep 0.3
echo done > "$SLUG_OUTPUT/out.txt"
rmdir '` + marker + `'`
	f := newFixture(t, testsupport.WithStubModule("convert", body, nil))

	var wg sync.WaitGroup
	results := make([]pipeline.Result, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.pipeline.Run(context.Background(), "convert", seriesRel,
				map[string]string{"overwrite": "true"}, pipeline.RunOptions{Wait: true})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if results[i].Status != pipeline.StatusSuccess {
			t.Fatalf("run %d status %s", i, results[i].Status)
		}
	}
	if got := testsupport.CountLines(t, counter); got != 3 {
		t.Fatalf("expected 3 invocations, got %d", got)
	}
	if _, err := os.Stat(overlap); err == nil {
		t.Fatal("two invocations overlapped for the same entity and module")
	}
}

func TestRunWithoutWaitReportsContention(t *testing.T) {
	started := filepath.Join(t.TempDir(), "started")
	body := `touch '` + started + `'
sleep 1
echo done > "$SLUG_OUTPUT/out.txt"`
	f := newFixture(t, testsupport.WithStubModule("convert", body, nil))

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
		done <- err
	}()
	waitForFile(t, started)

	res, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
	if !errors.Is(err, services.ErrLockContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if res.Status != pipeline.StatusBusy || res.ErrorKind != "LOCK_CONTENTION" {
		t.Fatalf("unexpected busy result %+v", res)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestDifferentEntitiesRunIndependently(t *testing.T) {
	started := t.TempDir()
	body := `touch "` + started + `/$SLUG_RUN_ID"
sleep 0.5
echo done > "$SLUG_OUTPUT/out.txt"`
	f := newFixture(t, testsupport.WithStubModule("convert", body, nil))
	other := "ProjA/Sub1/Study1/Series2"
	testsupport.WriteSeries(t, filepath.Join(f.cfg.Paths.DataDir, filepath.FromSlash(other)), 1, testsupport.Instance{SeriesNumber: 2})

	start := time.Now()
	var wg sync.WaitGroup
	for _, target := range []string{seriesRel, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.pipeline.Run(context.Background(), "convert", target, nil, pipeline.RunOptions{}); err != nil {
				t.Errorf("run %s: %v", target, err)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("runs on different entities appear serialized (%s)", elapsed)
	}
}

func TestModuleTimeout(t *testing.T) {
	f := newFixture(t, testsupport.WithModule(config.Module{Name: "hang", Command: "/bin/sh", Args: []string{"-c", "sleep 10", "hang"}, TimeoutSeconds: 1}))

	start := time.Now()
	res, err := f.pipeline.Run(context.Background(), "hang", seriesRel, nil, pipeline.RunOptions{})
	if !errors.Is(err, services.ErrModuleTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errors.Is(err, services.ErrModuleFailed) {
		t.Fatal("timeout must also be a module failure")
	}
	if res.Status != pipeline.StatusFailed || res.ErrorKind != "MODULE_TIMEOUT" {
		t.Fatalf("unexpected result %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if _, err := os.Stat(filepath.Join(f.series, "_artifacts", "hang")); !os.IsNotExist(err) {
		t.Fatal("timed out run left an output directory")
	}
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	f := newFixture(t, testsupport.WithStubModule("convert", `echo x > "$SLUG_OUTPUT/x"`, nil))
	f.pipeline.BeginShutdown()

	res, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
	if !errors.Is(err, services.ErrShuttingDown) {
		t.Fatalf("expected shutting down, got %v", err)
	}
	if res.ErrorKind != "SHUTTING_DOWN" {
		t.Fatalf("error kind = %q", res.ErrorKind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.pipeline.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestDrainWaitsForInFlightRun(t *testing.T) {
	started := filepath.Join(t.TempDir(), "started")
	f := newFixture(t, testsupport.WithStubModule("convert", `touch '`+started+`'
sleep 0.3
echo x > "$SLUG_OUTPUT/x"`, nil))

	done := make(chan pipeline.Result, 1)
	go func() {
		res, _ := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
		done <- res
	}()
	waitForFile(t, started)
	f.pipeline.BeginShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.pipeline.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res := <-done; res.Status != pipeline.StatusSuccess {
		t.Fatalf("in-flight run should complete, got %s (%s)", res.Status, res.Error)
	}
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, testsupport.WithStubModule("convert", `exit 0`, formatOption))
	ctx := context.Background()

	cases := []struct {
		name    string
		module  string
		target  string
		options map[string]string
		want    error
	}{
		{"unknown module", "segment", seriesRel, nil, services.ErrNotFound},
		{"unknown option", "convert", seriesRel, map[string]string{"quality": "high"}, services.ErrValidation},
		{"bad value", "convert", seriesRel, map[string]string{"format": "png"}, services.ErrValidation},
		{"bad overwrite", "convert", seriesRel, map[string]string{"overwrite": "maybe"}, services.ErrValidation},
		{"wrong level", "convert", "ProjA/Sub1/Study1", nil, services.ErrValidation},
		{"escape", "convert", "../outside", nil, services.ErrValidation},
		{"missing target", "convert", "ProjA/Sub1/Study1/Nope", nil, services.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.pipeline.Run(ctx, tc.module, tc.target, tc.options, pipeline.RunOptions{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res.Status != pipeline.StatusFailed {
				t.Fatalf("status = %s", res.Status)
			}
		})
	}
}

func TestRunRecords(t *testing.T) {
	f := newFixture(t, testsupport.WithStubModule("convert", `echo converting
echo x > "$SLUG_OUTPUT/x"`, nil))

	res, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	records, err := f.pipeline.Records().List(pipeline.RecordCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one completed record, got %d", len(records))
	}
	rec := records[0]
	if rec.Context.RunID != res.RunID || rec.Context.Target != seriesRel {
		t.Fatalf("unexpected context %+v", rec.Context)
	}
	if rec.Completion == nil || rec.Completion.ReturnCode != 0 || rec.Completion.Status != pipeline.StatusSuccess {
		t.Fatalf("unexpected completion %+v", rec.Completion)
	}
	stdout, err := os.ReadFile(filepath.Join(rec.Dir, "stdout.txt"))
	if err != nil || strings.TrimSpace(string(stdout)) != "converting" {
		t.Fatalf("stdout = %q, %v", stdout, err)
	}
	running, err := f.pipeline.Records().List(pipeline.RecordRunning)
	if err != nil || len(running) != 0 {
		t.Fatalf("expected no running records, got %d (%v)", len(running), err)
	}
	removed, err := f.pipeline.Records().Clear(pipeline.RecordCompleted)
	if err != nil || removed != 1 {
		t.Fatalf("clear removed %d, %v", removed, err)
	}
}

func TestResolverSeesOnlyPublishedArtifacts(t *testing.T) {
	f := newFixture(t, testsupport.WithStubModule("convert", `echo x > "$SLUG_OUTPUT/volume.nii"`, formatOption))
	if _, err := f.pipeline.Run(context.Background(), "convert", seriesRel, nil, pipeline.RunOptions{}); err != nil {
		t.Fatal(err)
	}
	resolver, err := hierarchy.NewResolver(f.cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	series, err := resolver.ResolveSeries(context.Background(), "ProjA/Sub1/Study1")
	if err != nil {
		t.Fatal(err)
	}
	arts := series[0].Artifacts
	if len(arts) != 1 || arts[0].Module != "convert" || arts[0].Options["format"] != "nifti" {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
	if series[0].ImageCount != 3 {
		t.Fatalf("image count changed to %d", series[0].ImageCount)
	}
}
