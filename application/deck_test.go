package application_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/enginehub/cassettedeck/application"
	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/archive"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/content"
	"github.com/enginehub/cassettedeck/infrastructure/index"
	"github.com/enginehub/cassettedeck/infrastructure/observability"
	"github.com/enginehub/cassettedeck/infrastructure/ratelimit"
	"github.com/enginehub/cassettedeck/infrastructure/storage/memory"
	"github.com/enginehub/cassettedeck/infrastructure/telemetry"
)

type file struct {
	name string
	body string
}

func manifest(version string, release time.Time) file {
	return file{
		name: archive.ManifestName,
		body: fmt.Sprintf("name: worldedit\nversion: %q\nrelease_time: %s\n", version, release.Format(time.RFC3339)),
	}
}

func buildZip(t *testing.T, files ...file) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate})
		if err != nil {
			t.Fatalf("CreateHeader(%s) error = %v", f.name, err)
		}
		if _, err := io.WriteString(w, f.body); err != nil {
			t.Fatalf("Write(%s) error = %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func buildTarGz(t *testing.T, files ...file) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Typeflag: tar.TypeReg, Mode: 0o600, Size: int64(len(f.body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s) error = %v", f.name, err)
		}
		if _, err := io.WriteString(tw, f.body); err != nil {
			t.Fatalf("Write(%s) error = %v", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close() error = %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close() error = %v", err)
	}
	return buf.Bytes()
}

func canonical(t *testing.T, files ...file) []byte {
	t.Helper()

	m := make(map[string][]byte, len(files))
	for _, f := range files {
		m[f.name] = []byte(f.body)
	}
	out, err := archive.Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	return out
}

type recordingMetrics struct {
	telemetry.NoopMetrics

	mu          sync.Mutex
	outcomes    []string
	transitions []string
}

func (m *recordingMetrics) RecordTransition(_ context.Context, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

func (m *recordingMetrics) Transitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transitions...)
}

func (m *recordingMetrics) RecordIngestion(_ context.Context, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) Outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

type testDeck struct {
	deck    *application.Deck
	index   *memory.Index
	blobs   *memory.BlobBackend
	clock   *clock.FakeClock
	metrics *recordingMetrics
}

func newTestDeck(t *testing.T, opts ...application.Option) *testDeck {
	t.Helper()

	clk := clock.Fake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	index := memory.NewIndex(clk)
	blobs := memory.NewBlobBackend(clk)
	metrics := &recordingMetrics{}

	base := []application.Option{
		application.WithIndex(index),
		application.WithContentStore(content.NewStore(blobs, index, content.WithClock(clk))),
		application.WithGovernor(ratelimit.New(ratelimit.DefaultConfig(),
			ratelimit.WithCapacity(10_000),
			ratelimit.WithRefillPerSecond(1_000),
			ratelimit.WithClock(clk),
		)),
		application.WithClock(clk),
		application.WithMetrics(metrics),
		application.WithGracePeriod(time.Hour),
		application.WithMaxConcurrentIngestions(32),
	}
	deck, err := application.NewDeckWithOptions(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewDeck() error = %v", err)
	}
	t.Cleanup(func() { _ = deck.Close() })
	return &testDeck{deck: deck, index: index, blobs: blobs, clock: clk, metrics: metrics}
}

func TestDeck_IngestFetchReingestConflict(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	release := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	jar := file{"worldedit.jar", "class files"}
	readme := file{"README.md", "# WorldEdit"}
	a := buildZip(t, manifest("1.0", release), jar, readme)

	result, err := td.deck.Ingest(ctx, "alice", a)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !result.Accepted || !result.Created || result.State != artifact.StatePublished {
		t.Fatalf("result = %+v", result)
	}
	if result.ID == "" {
		t.Error("result should carry an ingestion ID")
	}
	if len(result.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(result.Entries))
	}

	fetched, err := td.deck.Fetch(ctx, "bob", "worldedit", "1.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(fetched.Data, canonical(t, jar, readme)) {
		t.Error("fetched bytes differ from the canonical form")
	}
	if fetched.Record.Digest != result.Digest {
		t.Errorf("Digest = %s, want %s", fetched.Record.Digest, result.Digest)
	}

	again, err := td.deck.Ingest(ctx, "alice", a)
	if err != nil {
		t.Fatalf("re-Ingest() error = %v", err)
	}
	if !again.Accepted || again.Created {
		t.Errorf("re-ingest result = %+v, want accepted and not created", again)
	}
	ref, err := td.index.Ref(ctx, result.Digest)
	if err != nil {
		t.Fatalf("Ref() error = %v", err)
	}
	if ref.Count != 1 {
		t.Errorf("ref count = %d after idempotent re-ingest, want 1", ref.Count)
	}

	b := buildZip(t, manifest("1.0", release), file{"worldedit.jar", "different"})
	conflict, err := td.deck.Ingest(ctx, "alice", b)
	if !errors.Is(err, artifact.ErrConflict) {
		t.Fatalf("conflicting Ingest() error = %v, want ErrConflict", err)
	}
	if conflict.Accepted || conflict.State != artifact.StateRejected || conflict.Reason != "artifact.conflict" {
		t.Errorf("conflict result = %+v", conflict)
	}
	if conflictRef, err := td.index.Ref(ctx, conflict.Digest); err != nil || conflictRef.Count != 0 {
		t.Errorf("conflicting blob ref = %+v, %v; want count 0", conflictRef, err)
	}

	fetched, err = td.deck.Fetch(ctx, "bob", "worldedit", "1.0")
	if err != nil {
		t.Fatalf("Fetch() after conflict error = %v", err)
	}
	if fetched.Record.Digest != result.Digest {
		t.Error("original version must remain fetchable after a conflict")
	}

	want := []string{telemetry.OutcomePublished, telemetry.OutcomeIdempotent, telemetry.OutcomeConflict}
	got := td.metrics.Outcomes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("outcomes = %v, want %v", got, want)
	}
}

func TestDeck_Ingest_RejectsTraversalWithoutStaging(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	raw := buildZip(t, manifest("1.0", time.Now()), file{"../../etc/passwd", "root"})

	result, err := td.deck.Ingest(context.Background(), "mallory", raw)
	if !errors.Is(err, artifact.ErrValidation) {
		t.Fatalf("Ingest() error = %v, want ErrValidation", err)
	}
	if reason, _ := artifact.ReasonOf(err); reason != artifact.ReasonTraversal {
		t.Errorf("reason = %s, want traversal", reason)
	}
	if result.Accepted || result.State != artifact.StateRejected || result.Reason != "validation.traversal" {
		t.Errorf("result = %+v", result)
	}
	if n := td.blobs.Len(); n != 0 {
		t.Errorf("%d blobs stored, want none", n)
	}
	if _, err := td.deck.Fetch(context.Background(), "mallory", "worldedit", ""); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestDeck_Ingest_ZeroReleaseTimeIsClientFault(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	raw := buildZip(t,
		file{archive.ManifestName, "name: worldedit\nversion: \"1.0\"\nrelease_time: 0001-01-01T00:00:00Z\n"},
		file{"a", "b"},
	)

	result, err := td.deck.Ingest(context.Background(), "ci", raw)
	if !errors.Is(err, artifact.ErrValidation) || errors.Is(err, artifact.ErrStorage) {
		t.Fatalf("Ingest() error = %v, want a validation error", err)
	}
	if artifact.Retryable(err) {
		t.Error("a malformed manifest must not be retryable")
	}
	if result.Reason != "validation.malformed" {
		t.Errorf("Reason = %q, want validation.malformed", result.Reason)
	}
	if n := td.blobs.Len(); n != 0 {
		t.Errorf("%d blobs stored, want none", n)
	}
}

// rejectingIndex fails every registration with err.
type rejectingIndex struct {
	*memory.Index

	err error
}

func (x rejectingIndex) Register(context.Context, artifact.Descriptor, digest.Digest) (artifact.Record, bool, error) {
	return artifact.Record{}, false, x.err
}

func TestDeck_Ingest_RegisterErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"missing release time", artifact.ErrMissingReleaseTime, "validation.malformed", false},
		{"invalid name", fmt.Errorf("%w: %q", artifact.ErrInvalidName, "x"), "validation.malformed", false},
		{"invalid version", artifact.ErrInvalidVersion, "validation.malformed", false},
		{"index down", errors.New("connection reset"), "storage.error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := clock.Fake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
			index := memory.NewIndex(clk)
			blobs := memory.NewBlobBackend(clk)
			deck, err := application.NewDeckWithOptions(
				application.WithIndex(rejectingIndex{Index: index, err: tt.err}),
				application.WithContentStore(content.NewStore(blobs, index, content.WithClock(clk))),
				application.WithClock(clk),
			)
			if err != nil {
				t.Fatalf("NewDeck() error = %v", err)
			}
			t.Cleanup(func() { _ = deck.Close() })

			result, err := deck.Ingest(context.Background(), "ci", buildZip(t, manifest("1.0", time.Now()), file{"a", "b"}))
			if got := artifact.Code(err); got != tt.wantCode {
				t.Errorf("Code() = %q, want %q (err %v)", got, tt.wantCode, err)
			}
			if artifact.Retryable(err) != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", artifact.Retryable(err), tt.retryable)
			}
			if result.Accepted {
				t.Error("result must not be accepted")
			}
			if ref, err := index.Ref(context.Background(), result.Digest); err == nil && ref.Count != 0 {
				t.Errorf("ref count = %d, want the retain released", ref.Count)
			}
		})
	}
}

func TestDeck_Ingest_ContainerIndependentDigest(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	release := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	x, y := file{"a.txt", "alpha"}, file{"dir/b.txt", "beta"}

	first, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", release), x, y))
	if err != nil {
		t.Fatalf("Ingest(zip) error = %v", err)
	}
	second, err := td.deck.Ingest(ctx, "ci", buildTarGz(t, y, manifest("1.1", release.Add(time.Hour)), x))
	if err != nil {
		t.Fatalf("Ingest(tar.gz) error = %v", err)
	}

	if first.Digest != second.Digest {
		t.Errorf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
	if td.blobs.Len() != 1 {
		t.Errorf("%d blobs stored, want 1 shared blob", td.blobs.Len())
	}
	ref, err := td.index.Ref(ctx, first.Digest)
	if err != nil || ref.Count != 2 {
		t.Errorf("ref = %+v, %v; want count 2", ref, err)
	}
}

func TestDeck_RateLimited(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	td := newTestDeck(t,
		application.WithGovernor(ratelimit.New(ratelimit.DefaultConfig(),
			ratelimit.WithCapacity(10),
			ratelimit.WithRefillPerSecond(1),
			ratelimit.WithClock(clk),
		)),
		application.WithCosts(1, 10),
	)
	raw := buildZip(t, manifest("1.0", time.Now()), file{"a", "b"})

	if _, err := td.deck.Ingest(context.Background(), "alice", raw); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}

	result, err := td.deck.Ingest(context.Background(), "alice", raw)
	if !errors.Is(err, artifact.ErrRateLimited) {
		t.Fatalf("second Ingest() error = %v, want ErrRateLimited", err)
	}
	if wait, ok := artifact.RetryAfter(err); !ok || wait <= 0 || wait > 10*time.Second {
		t.Errorf("RetryAfter = %v, %v", wait, ok)
	}
	if result.Reason != "rate.limit.exceeded" {
		t.Errorf("Reason = %q", result.Reason)
	}

	// Other principals have their own bucket.
	if _, err := td.deck.Fetch(context.Background(), "bob", "worldedit", "1.0"); err != nil {
		t.Errorf("Fetch() for another principal error = %v", err)
	}

	clk.Advance(10 * time.Second)
	if _, err := td.deck.Ingest(context.Background(), "alice", raw); err != nil {
		t.Errorf("Ingest() after refill error = %v", err)
	}
}

func TestDeck_Fetch_Errors(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		artName string
		version string
		wantErr error
	}{
		{"unknown name", "nothing", "", artifact.ErrNotFound},
		{"unknown version", "worldedit", "9.9", artifact.ErrNotFound},
		{"invalid name", "../x", "", artifact.ErrInvalidName},
		{"invalid version", "worldedit", "a/b", artifact.ErrInvalidVersion},
	}

	if _, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", time.Now()), file{"a", "b"})); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := td.deck.Fetch(ctx, "reader", tt.artName, tt.version)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeck_Fetch_MissingBlobIsStorageError(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()

	result, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", time.Now()), file{"a", "b"}))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := td.blobs.Delete(ctx, result.Digest); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err = td.deck.Fetch(ctx, "reader", "worldedit", "1.0")
	if !errors.Is(err, artifact.ErrStorage) {
		t.Fatalf("Fetch() error = %v, want ErrStorage", err)
	}
	if errors.Is(err, artifact.ErrNotFound) {
		t.Error("a missing blob must not surface as NotFound")
	}
	if !artifact.Retryable(err) {
		t.Error("storage errors should be retryable")
	}
}

func TestDeck_StatusAndLatest(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, v := range []string{"1.0", "1.1"} {
		raw := buildZip(t, manifest(v, t1.Add(time.Duration(i)*time.Hour)), file{"a", v})
		if _, err := td.deck.Ingest(ctx, "ci", raw); err != nil {
			t.Fatalf("Ingest(%s) error = %v", v, err)
		}
	}

	latest, err := td.deck.Fetch(ctx, "reader", "worldedit", "")
	if err != nil {
		t.Fatalf("Fetch(latest) error = %v", err)
	}
	if latest.Record.Version != "1.1" {
		t.Errorf("latest = %s, want 1.1", latest.Record.Version)
	}

	tests := []struct {
		version string
		want    artifact.State
	}{
		{"1.0", artifact.StateSuperseded},
		{"1.1", artifact.StatePublished},
	}
	for _, tt := range tests {
		got, err := td.deck.Status(ctx, "worldedit", tt.version)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", tt.version, err)
		}
		if got != tt.want {
			t.Errorf("Status(%s) = %s, want %s", tt.version, got, tt.want)
		}
	}

	// Superseded versions stay fetchable by exact version.
	if _, err := td.deck.Fetch(ctx, "reader", "worldedit", "1.0"); err != nil {
		t.Errorf("Fetch(1.0) error = %v", err)
	}

	var versions []string
	for rec, err := range td.deck.List(ctx, "worldedit") {
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		versions = append(versions, rec.Version)
	}
	if fmt.Sprint(versions) != "[1.1 1.0]" {
		t.Errorf("List() = %v, want [1.1 1.0]", versions)
	}

	page, err := td.deck.ListPage(ctx, "worldedit", artifact.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if len(page) != 1 || page[0].Version != "1.1" {
		t.Fatalf("first page = %v", page)
	}
	page, err = td.deck.ListPage(ctx, "worldedit", artifact.ListOptions{Before: page[0].Cursor(), Limit: 1})
	if err != nil || len(page) != 1 || page[0].Version != "1.0" {
		t.Errorf("second page = %v, %v", page, err)
	}
}

func TestDeck_SweepReclaimsRejectedContent(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	release := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	kept, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", release), file{"a", "kept"}))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	dropped, _ := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", release), file{"a", "dropped"}))
	if td.blobs.Len() != 2 {
		t.Fatalf("%d blobs stored, want 2", td.blobs.Len())
	}

	report, err := td.deck.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Reclaimed != 0 {
		t.Errorf("Reclaimed = %d inside the grace period, want 0", report.Reclaimed)
	}

	td.clock.Advance(2 * time.Hour)
	report, err = td.deck.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", report.Reclaimed)
	}
	if _, err := td.blobs.Stat(ctx, dropped.Digest); err == nil {
		t.Error("conflicting blob should be reclaimed")
	}
	if _, err := td.deck.Fetch(ctx, "reader", "worldedit", "1.0"); err != nil {
		t.Errorf("Fetch() after sweep error = %v", err)
	}
	if _, err := td.blobs.Stat(ctx, kept.Digest); err != nil {
		t.Errorf("referenced blob was reclaimed: %v", err)
	}
}

func TestDeck_ConcurrentIdenticalIngestion(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	raw := buildZip(t, manifest("2.0", time.Now()), file{"a", "same"})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]artifact.IngestionResult, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = td.deck.Ingest(ctx, fmt.Sprintf("worker-%d", i), raw)
		}()
	}
	wg.Wait()

	created := 0
	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d error = %v", i, errs[i])
		}
		if results[i].Created {
			created++
		}
	}
	if created != 1 {
		t.Errorf("%d ingestions created the version, want exactly 1", created)
	}
	ref, err := td.index.Ref(ctx, results[0].Digest)
	if err != nil || ref.Count != 1 {
		t.Errorf("ref = %+v, %v; want count 1", ref, err)
	}
}

func TestDeck_Spans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	provider := observability.NewWithExporter(exporter)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	td := newTestDeck(t, application.WithTracer(provider.Tracer()))
	ctx := context.Background()

	if _, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", time.Now()), file{"a", "b"})); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := td.deck.Fetch(ctx, "ci", "worldedit", "9"); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("Fetch() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "deck.ingest" || spans[0].Status.Code != codes.Ok {
		t.Errorf("ingest span = %s %v", spans[0].Name, spans[0].Status)
	}
	if spans[1].Name != "deck.fetch" || spans[1].Status.Description != "artifact.not.found" {
		t.Errorf("fetch span = %s %v", spans[1].Name, spans[1].Status)
	}
}

// slowBackend delays every write and records the peak number of writes
// in flight.
type slowBackend struct {
	*memory.BlobBackend

	delay    time.Duration
	release  chan struct{}
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (b *slowBackend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	b.mu.Lock()
	b.inFlight++
	b.peak = max(b.peak, b.inFlight)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if b.release != nil {
		<-b.release
	} else {
		time.Sleep(b.delay)
	}
	return b.BlobBackend.Write(ctx, d, r, size)
}

func (b *slowBackend) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func newSlowDeck(t *testing.T, backend *slowBackend, opts ...application.Option) *application.Deck {
	t.Helper()

	clk := clock.Fake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	backend.BlobBackend = memory.NewBlobBackend(clk)
	index := memory.NewIndex(clk)

	base := []application.Option{
		application.WithIndex(index),
		application.WithContentStore(content.NewStore(backend, index, content.WithClock(clk))),
		application.WithGovernor(ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clk))),
		application.WithClock(clk),
	}
	deck, err := application.NewDeckWithOptions(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewDeck() error = %v", err)
	}
	t.Cleanup(func() { _ = deck.Close() })
	return deck
}

func TestDeck_ExcessIngestionsWaitForSlot(t *testing.T) {
	t.Parallel()

	backend := &slowBackend{delay: 50 * time.Millisecond}
	deck := newSlowDeck(t, backend)
	ctx := context.Background()

	const clients = 2 * application.DefaultMaxConcurrentIngestions
	raws := make([][]byte, clients)
	for i := range clients {
		raws[i] = buildZip(t, manifest(fmt.Sprintf("1.%d", i), time.Now()), file{"a", fmt.Sprintf("body-%d", i)})
	}

	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = deck.Ingest(ctx, fmt.Sprintf("client-%d", i), raws[i])
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("client-%d Ingest() error = %v", i, err)
		}
	}
	if peak := backend.Peak(); peak > application.DefaultMaxConcurrentIngestions {
		t.Errorf("peak concurrent writes = %d, want at most %d", peak, application.DefaultMaxConcurrentIngestions)
	}
}

func TestDeck_QueuedIngestionHonorsCallerContext(t *testing.T) {
	t.Parallel()

	backend := &slowBackend{release: make(chan struct{})}
	deck := newSlowDeck(t, backend, application.WithMaxConcurrentIngestions(1))

	raw := buildZip(t, manifest("1.0", time.Now()), file{"a", "one"})
	first := make(chan error, 1)
	go func() {
		_, err := deck.Ingest(context.Background(), "first", raw)
		first <- err
	}()
	for backend.Peak() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := deck.Ingest(ctx, "second", buildZip(t, manifest("2.0", time.Now()), file{"a", "two"}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued Ingest() error = %v, want deadline exceeded", err)
	}
	if result.Accepted {
		t.Error("queued ingestion must not be accepted")
	}

	close(backend.release)
	if err := <-first; err != nil {
		t.Errorf("first Ingest() error = %v", err)
	}
}

func TestDeck_NewerReleaseSupersedesPrevious(t *testing.T) {
	t.Parallel()

	td := newTestDeck(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", base), file{"a", "1"})); err != nil {
		t.Fatalf("Ingest(1.0) error = %v", err)
	}
	if _, err := td.deck.Ingest(ctx, "ci", buildZip(t, manifest("2.0", base.Add(time.Hour)), file{"a", "2"})); err != nil {
		t.Fatalf("Ingest(2.0) error = %v", err)
	}

	superseded := 0
	for _, tr := range td.metrics.Transitions() {
		if tr == "published->superseded" {
			superseded++
		}
	}
	if superseded != 1 {
		t.Errorf("transitions = %v, want one published->superseded", td.metrics.Transitions())
	}
}

func TestDeck_StatusBypassesDescriptorCache(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	authority := memory.NewIndex(clk)
	cached := index.NewCached(authority,
		memory.NewCache(memory.WithCacheClock(clk), memory.WithTTL(24*time.Hour)),
		index.WithLatestTTL(time.Hour),
	)
	deck, err := application.NewDeckWithOptions(
		application.WithIndex(cached),
		application.WithAuthority(authority),
		application.WithContentStore(content.NewStore(memory.NewBlobBackend(clk), authority, content.WithClock(clk))),
		application.WithClock(clk),
	)
	if err != nil {
		t.Fatalf("NewDeck() error = %v", err)
	}
	t.Cleanup(func() { _ = deck.Close() })

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := deck.Ingest(ctx, "ci", buildZip(t, manifest("1.0", base), file{"a", "1"})); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := deck.Fetch(ctx, "ci", "worldedit", ""); err != nil {
		t.Fatalf("Fetch(latest) error = %v", err)
	}
	if state, err := deck.Status(ctx, "worldedit", "1.0"); err != nil || state != artifact.StatePublished {
		t.Fatalf("Status() = %s, %v; want published", state, err)
	}

	// Another process registers a newer release behind the cache.
	newer := artifact.NewDescriptor("worldedit", "2.0", base.Add(time.Hour))
	if _, _, err := authority.Register(ctx, newer, blob.Compute([]byte("2.0"))); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	state, err := deck.Status(ctx, "worldedit", "1.0")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state != artifact.StateSuperseded {
		t.Errorf("Status() = %s, want superseded without waiting for the cache", state)
	}
}
