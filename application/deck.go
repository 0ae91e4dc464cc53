// Package application provides the artifact ingestion and retrieval service.
package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/archive"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/content"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
	"github.com/enginehub/cassettedeck/infrastructure/observability"
	"github.com/enginehub/cassettedeck/infrastructure/ratelimit"
	"github.com/enginehub/cassettedeck/infrastructure/statemachine"
	"github.com/enginehub/cassettedeck/infrastructure/telemetry"
)

// AnonymousPrincipal is the rate limit key of callers without a principal.
const AnonymousPrincipal = "anonymous"

// Governor admits or refuses requests per client key.
type Governor interface {
	Admit(key string, cost int) ratelimit.Decision
}

// Fetched is a resolved artifact with its canonical bytes.
type Fetched struct {
	Record artifact.Record
	Data   []byte
}

// Deck is the main orchestration service for artifact ingestion and retrieval.
type Deck struct {
	governor  Governor
	validator *archive.Validator
	store     *content.Store
	index     artifact.Index
	authority artifact.Index
	sweeper   *content.Sweeper
	metrics   telemetry.Metrics
	tracer    trace.Tracer
	clock     clock.Clock
	machine   *statekit.MachineConfig[*statemachine.Context]
	bulkhead  bulkhead.Bulkhead[artifact.IngestionResult]
	readCost  int
	writeCost int
}

// Config contains configuration for the deck.
type Config struct {
	Governor  Governor
	Validator *archive.Validator
	Store     *content.Store
	Index     artifact.Index
	// Authority answers the latest-version reads that decide Published
	// versus Superseded. It should bypass any cache. Defaults to Index.
	Authority artifact.Index
	// Refs counts descriptor references for the sweeper. Defaults to Index.
	Refs        blob.ReferenceCounter
	Metrics     telemetry.Metrics
	Tracer      trace.Tracer
	Clock       clock.Clock
	GracePeriod time.Duration
	// ReadCost and WriteCost are the tokens charged per fetch and ingestion.
	ReadCost  int
	WriteCost int
	// MaxConcurrentIngestions caps simultaneous ingestions.
	MaxConcurrentIngestions int
	// MaxQueuedIngestions bounds ingestions waiting for a free slot.
	MaxQueuedIngestions int
	// QueueTimeout bounds how long an ingestion waits for a slot. Zero
	// waits until the caller's context ends.
	QueueTimeout time.Duration
}

// Default costs and limits.
const (
	DefaultReadCost                = 1
	DefaultWriteCost               = 10
	DefaultMaxConcurrentIngestions = 4
	DefaultMaxQueuedIngestions     = 256
	DefaultGracePeriod             = time.Hour
)

// NewDeck creates a new deck with the given configuration.
func NewDeck(config Config) (*Deck, error) {
	if config.Store == nil {
		return nil, errors.New("content store is required")
	}
	if config.Index == nil {
		return nil, errors.New("index is required")
	}

	machine, err := statemachine.NewLifecycleMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle machine: %w", err)
	}

	d := &Deck{
		governor:  config.Governor,
		validator: config.Validator,
		store:     config.Store,
		index:     config.Index,
		authority: config.Authority,
		metrics:   config.Metrics,
		tracer:    config.Tracer,
		clock:     config.Clock,
		machine:   machine,
		readCost:  config.ReadCost,
		writeCost: config.WriteCost,
	}

	// Set defaults
	if d.authority == nil {
		d.authority = d.index
	}
	if d.governor == nil {
		d.governor = ratelimit.NewDefault()
	}
	if d.validator == nil {
		d.validator = archive.NewValidator(archive.DefaultLimits())
	}
	if d.metrics == nil {
		d.metrics = telemetry.NoopMetrics{}
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.readCost == 0 {
		d.readCost = DefaultReadCost
	}
	if d.writeCost == 0 {
		d.writeCost = DefaultWriteCost
	}
	maxConcurrent := config.MaxConcurrentIngestions
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentIngestions
	}
	maxQueued := config.MaxQueuedIngestions
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueuedIngestions
	}
	d.bulkhead = bulkhead.New[artifact.IngestionResult](bulkhead.Config{
		MaxConcurrent: maxConcurrent,
		MaxQueue:      maxQueued,
		QueueTimeout:  config.QueueTimeout,
		OnRejected: func() {
			logging.Warn().
				Add(logging.Component("deck")).
				Add(logging.Count("max_concurrent", maxConcurrent)).
				Add(logging.Count("max_queued", maxQueued)).
				Msg("ingestion queue full")
		},
	})

	refs := config.Refs
	if refs == nil {
		refs = config.Index
	}
	grace := config.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	d.sweeper = content.NewSweeper(config.Store, refs, grace)

	return d, nil
}

func principalKey(principal string) string {
	if principal == "" {
		return AnonymousPrincipal
	}
	return principal
}

// admit charges cost tokens to principal.
func (d *Deck) admit(ctx context.Context, principal, op string, cost int) error {
	key := principalKey(principal)
	decision := d.governor.Admit(key, cost)
	d.metrics.RecordAdmission(ctx, op, decision.Allowed)
	if decision.Allowed {
		return nil
	}

	logging.Warn().
		Add(logging.Component("deck")).
		Add(logging.Operation(op)).
		Add(logging.Principal(key)).
		Add(logging.RetryAfter(decision.RetryAfter)).
		Msg("request refused by rate governor")
	return &artifact.RateLimitError{RetryAfter: decision.RetryAfter}
}

// Ingest validates raw, stores its canonical form and registers the
// descriptor named by its manifest. Rejections return a result with
// Accepted false together with the error.
func (d *Deck) Ingest(ctx context.Context, principal string, raw []byte) (result artifact.IngestionResult, err error) {
	start := d.clock.Now()
	id := uuid.NewString()

	ctx, span := observability.StartSpan(ctx, d.tracer, "deck.ingest",
		observability.KeyPrincipal.String(principalKey(principal)),
		observability.KeySize.Int(len(raw)),
	)
	defer func() {
		span.SetAttributes(observability.ResultAttributes(result)...)
		observability.EndSpan(span, err)
	}()

	if err := d.admit(ctx, principal, "ingest", d.writeCost); err != nil {
		d.metrics.RecordIngestion(ctx, telemetry.OutcomeLimited, 0)
		d.metrics.RecordError(ctx, artifact.Code(err))
		return artifact.IngestionResult{
			ID:     id,
			State:  artifact.StateRejected,
			Reason: artifact.Code(err),
		}, err
	}

	d.metrics.IncrementActiveIngestions(ctx)
	defer d.metrics.DecrementActiveIngestions(ctx)

	result, err = d.bulkhead.Execute(ctx, func(ctx context.Context) (artifact.IngestionResult, error) {
		return d.ingest(ctx, id, principalKey(principal), raw)
	})
	if err != nil && result.ID == "" {
		// The queue was full, the slot wait timed out or the caller gave up
		// before the work ran.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = artifact.StorageError("schedule ingestion", err)
		}
		result = artifact.IngestionResult{ID: id, State: artifact.StateRejected, Reason: artifact.Code(err)}
	}

	d.metrics.RecordIngestion(ctx, outcomeOf(result, err), d.clock.Now().Sub(start))
	if err != nil {
		d.metrics.RecordError(ctx, artifact.Code(err))
	}
	return result, err
}

func outcomeOf(result artifact.IngestionResult, err error) string {
	switch {
	case err == nil && result.Created:
		return telemetry.OutcomePublished
	case err == nil:
		return telemetry.OutcomeIdempotent
	case errors.Is(err, artifact.ErrValidation):
		return telemetry.OutcomeRejected
	case errors.Is(err, artifact.ErrConflict):
		return telemetry.OutcomeConflict
	default:
		return telemetry.OutcomeFailed
	}
}

// ingest runs Validate → Put → Retain → Register for one archive.
func (d *Deck) ingest(ctx context.Context, id, principal string, raw []byte) (artifact.IngestionResult, error) {
	result := artifact.IngestionResult{ID: id, State: artifact.StateUploading}

	interp := statemachine.NewInterpreter(d.machine, id,
		statemachine.WithClock(d.clock.Now),
		statemachine.WithObserver(func(from, to artifact.State) {
			d.metrics.RecordTransition(ctx, from.String(), to.String())
		}),
	)
	interp.Start()
	defer interp.Stop()

	logging.Info().
		Add(logging.Component("deck")).
		Add(logging.IngestionID(id)).
		Add(logging.Principal(principal)).
		Add(logging.Size(int64(len(raw)))).
		Msg("ingestion started")

	if err := interp.Fire(statemachine.EventValidate, ""); err != nil {
		return result, err
	}

	validated, err := d.validator.Validate(raw)
	if err != nil {
		return d.reject(interp, result, err)
	}
	desc := validated.Manifest.Descriptor(d.clock.Now())
	result.Descriptor = desc
	result.Entries = validated.Entries
	if err := desc.Validate(); err != nil {
		return d.reject(interp, result, artifact.DescriptorError(err))
	}

	dg, err := d.store.Put(ctx, validated.Canonical)
	if err != nil {
		return d.reject(interp, result, artifact.StorageError("store blob", err))
	}
	result.Digest = dg
	if err := interp.Stage(dg); err != nil {
		return result, err
	}

	prev, hasPrev := d.latest(ctx, desc.Name)

	if _, err := d.store.Retain(ctx, dg); err != nil {
		return d.reject(interp, result, artifact.StorageError("retain blob", err))
	}

	rec, created, err := d.index.Register(ctx, desc, dg)
	if err != nil {
		d.release(ctx, id, dg)
		switch {
		case errors.Is(err, artifact.ErrConflict):
		case isDescriptorFault(err):
			err = artifact.DescriptorError(err)
		default:
			err = artifact.StorageError("register descriptor", err)
		}
		return d.reject(interp, result, err)
	}
	if !created {
		// The stored row already holds a reference for this version.
		d.release(ctx, id, dg)
	}

	reason := "registered"
	if !created {
		reason = "already registered"
	}
	if err := interp.Fire(statemachine.EventPublish, reason); err != nil {
		return result, err
	}

	result.Descriptor = rec.Descriptor
	result.Digest = rec.Digest
	result.Accepted = true
	result.Created = created
	result.State = interp.State()

	if created {
		d.metrics.RecordStoredBytes(ctx, int64(len(validated.Canonical)))
		if hasPrev && rec.Newer(prev) {
			d.supersede(ctx, id, prev)
		}
	}

	logging.Info().
		Add(logging.Component("deck")).
		Add(logging.IngestionID(id)).
		Add(logging.Artifact(rec.Name, rec.Version)).
		Add(logging.Digest(rec.Digest)).
		Add(logging.Str("format", validated.Format)).
		Add(logging.Count("entries", len(validated.Entries))).
		Msg(reason)
	return result, nil
}

// isDescriptorFault reports whether err blames the submitted descriptor
// rather than the index.
func isDescriptorFault(err error) bool {
	return errors.Is(err, artifact.ErrInvalidName) ||
		errors.Is(err, artifact.ErrInvalidVersion) ||
		errors.Is(err, artifact.ErrMissingReleaseTime) ||
		errors.Is(err, artifact.ErrInvalidReleaseTime)
}

// reject moves the ingestion to Rejected and reports err.
func (d *Deck) reject(interp *statemachine.Interpreter, result artifact.IngestionResult, err error) (artifact.IngestionResult, error) {
	code := artifact.Code(err)
	if fireErr := interp.Fire(statemachine.EventReject, code); fireErr != nil {
		logging.Error().
			Add(logging.Component("deck")).
			Add(logging.IngestionID(result.ID)).
			Add(logging.ErrorField(fireErr)).
			Msg("failed to record rejection")
	}

	result.Accepted = false
	result.Reason = code
	result.State = interp.State()

	event := logging.Warn()
	if errors.Is(err, artifact.ErrStorage) {
		event = logging.Error()
	}
	event.
		Add(logging.Component("deck")).
		Add(logging.IngestionID(result.ID)).
		Add(logging.Reason(code)).
		Add(logging.ErrorField(err)).
		Msg("ingestion rejected")
	return result, err
}

// release drops a reference taken by this ingestion. A failure leaves
// the count high until the sweeper reconciles it with the index.
func (d *Deck) release(ctx context.Context, id string, dg digest.Digest) {
	if _, err := d.store.Release(ctx, dg); err != nil {
		logging.Warn().
			Add(logging.Component("deck")).
			Add(logging.IngestionID(id)).
			Add(logging.Digest(dg)).
			Add(logging.ErrorField(err)).
			Msg("failed to release blob reference")
	}
}

// latest returns the current latest record of name, if any.
func (d *Deck) latest(ctx context.Context, name string) (artifact.Record, bool) {
	rec, err := d.authority.Lookup(ctx, name, "")
	if err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			logging.Warn().
				Add(logging.Component("deck")).
				Add(logging.Str("name", name)).
				Add(logging.ErrorField(err)).
				Msg("failed to resolve latest version")
		}
		return artifact.Record{}, false
	}
	return rec, true
}

// supersede records that prev is no longer the latest release.
func (d *Deck) supersede(ctx context.Context, id string, prev artifact.Record) {
	interp := statemachine.NewInterpreter(d.machine, id,
		statemachine.WithClock(d.clock.Now),
		statemachine.WithObserver(func(from, to artifact.State) {
			d.metrics.RecordTransition(ctx, from.String(), to.String())
		}),
	)
	interp.Start()
	defer interp.Stop()

	err := interp.ResumeFrom(artifact.StatePublished)
	if err == nil {
		err = interp.Fire(statemachine.EventSupersede, "newer release of "+prev.Name)
	}
	if err != nil {
		logging.Error().
			Add(logging.Component("deck")).
			Add(logging.IngestionID(id)).
			Add(logging.Artifact(prev.Name, prev.Version)).
			Add(logging.ErrorField(err)).
			Msg("failed to record supersession")
	}
}

// Fetch returns the artifact name at version. An empty version resolves
// to the latest release.
func (d *Deck) Fetch(ctx context.Context, principal, name, version string) (_ Fetched, err error) {
	start := d.clock.Now()

	ctx, span := observability.StartSpan(ctx, d.tracer, "deck.fetch",
		observability.KeyPrincipal.String(principalKey(principal)),
		observability.KeyName.String(name),
		observability.KeyVersion.String(version),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := d.admit(ctx, principal, "fetch", d.readCost); err != nil {
		d.metrics.RecordError(ctx, artifact.Code(err))
		return Fetched{}, err
	}

	fetched, err := d.fetch(ctx, name, version)
	d.metrics.RecordFetch(ctx, err == nil, d.clock.Now().Sub(start))
	if err != nil {
		d.metrics.RecordError(ctx, artifact.Code(err))
		return Fetched{}, err
	}
	return fetched, nil
}

func (d *Deck) fetch(ctx context.Context, name, version string) (Fetched, error) {
	rec, err := d.lookup(ctx, name, version)
	if err != nil {
		return Fetched{}, err
	}

	data, err := d.store.Get(ctx, rec.Digest)
	if err != nil {
		// A registered descriptor always has its blob; anything else is
		// an infrastructure fault, never NotFound.
		logging.Error().
			Add(logging.Component("deck")).
			Add(logging.Artifact(rec.Name, rec.Version)).
			Add(logging.Digest(rec.Digest)).
			Add(logging.ErrorField(err)).
			Msg("failed to read blob")
		return Fetched{}, artifact.StorageError("read blob", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(observability.RecordAttributes(rec)...)
	logging.Debug().
		Add(logging.Component("deck")).
		Add(logging.Artifact(rec.Name, rec.Version)).
		Add(logging.Size(int64(len(data)))).
		Msg("artifact fetched")
	return Fetched{Record: rec, Data: data}, nil
}

func (d *Deck) lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	if !artifact.ValidName(name) {
		return artifact.Record{}, fmt.Errorf("%w: %q", artifact.ErrInvalidName, name)
	}
	if version != "" && !artifact.ValidName(version) {
		return artifact.Record{}, fmt.Errorf("%w: %q", artifact.ErrInvalidVersion, version)
	}

	rec, err := d.index.Lookup(ctx, name, version)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return artifact.Record{}, err
		}
		return artifact.Record{}, artifact.StorageError("lookup descriptor", err)
	}
	return rec, nil
}

// List lazily yields the records of name, newest release first.
func (d *Deck) List(ctx context.Context, name string) iter.Seq2[artifact.Record, error] {
	return d.index.List(ctx, name)
}

// ListPage returns one page of records of name, newest release first.
func (d *Deck) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	recs, err := d.index.ListPage(ctx, name, opts)
	if err != nil {
		return nil, artifact.StorageError("list descriptors", err)
	}
	return recs, nil
}

// Status reports the lifecycle state of a registered version: Published
// for the latest release, Superseded otherwise.
func (d *Deck) Status(ctx context.Context, name, version string) (artifact.State, error) {
	rec, err := d.lookup(ctx, name, version)
	if err != nil {
		return "", err
	}
	latest, err := d.authority.Lookup(ctx, name, "")
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return "", err
		}
		return "", artifact.StorageError("lookup latest descriptor", err)
	}
	if latest.Version == rec.Version {
		return artifact.StatePublished, nil
	}
	return artifact.StateSuperseded, nil
}

// Sweep runs one reclamation pass.
func (d *Deck) Sweep(ctx context.Context) (_ content.SweepReport, err error) {
	ctx, span := observability.StartSpan(ctx, d.tracer, "deck.sweep")
	defer func() { observability.EndSpan(span, err) }()

	report, err := d.sweeper.Sweep(ctx)
	d.metrics.RecordReclaimed(ctx, "unreferenced", report.Reclaimed-report.Orphans)
	d.metrics.RecordReclaimed(ctx, "orphan", report.Orphans)
	if err != nil {
		return report, artifact.StorageError("sweep", err)
	}
	return report, nil
}

// Close stops accepting ingestions. It does not wait for ingestions in
// flight.
func (d *Deck) Close() error {
	return d.bulkhead.Close()
}

// RunSweeper sweeps every interval until ctx is done.
func (d *Deck) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.sweeper.Run(ctx, interval)
}
