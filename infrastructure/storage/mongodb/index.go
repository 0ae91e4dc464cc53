package mongodb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"time"

	"github.com/opencontainers/go-digest"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// descriptorDocument is the stored form of a registered descriptor.
type descriptorDocument struct {
	Name         string          `bson:"name"`
	Version      string          `bson:"version"`
	Digest       string          `bson:"digest"`
	ReleaseTime  time.Time       `bson:"release_time"`
	Flags        map[string]bool `bson:"flags,omitempty"`
	RegisteredAt time.Time       `bson:"registered_at"`
}

// refDocument is the stored form of a blob reference row.
type refDocument struct {
	Digest    string    `bson:"_id"`
	Count     int64     `bson:"ref_count"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// newestFirst orders descriptors by release time, then version, both
// descending.
var newestFirst = bson.D{{Key: "release_time", Value: -1}, {Key: "version", Value: -1}}

// Index is a MongoDB-backed implementation of artifact.Index and
// blob.RefLedger.
type Index struct {
	descriptors  *mongo.Collection
	refs         *mongo.Collection
	queryTimeout time.Duration
	clock        clock.Clock
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithClock sets the clock used for registration times.
func WithClock(clk clock.Clock) IndexOption {
	return func(x *Index) {
		x.clock = clk
	}
}

// NewIndex creates an index over the client's database and ensures its
// collection indexes exist.
func NewIndex(ctx context.Context, client *Client, opts ...IndexOption) (*Index, error) {
	if err := client.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	x := &Index{
		descriptors:  client.Database().Collection(DescriptorsCollection),
		refs:         client.Database().Collection(RefsCollection),
		queryTimeout: client.config.QueryTimeout,
		clock:        clock.Real(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

func (x *Index) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, x.queryTimeout)
}

// Register implements artifact.Index. The unique (name, version) index
// makes the insert the single point of decision between racing writers.
func (x *Index) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	if err := desc.Validate(); err != nil {
		return artifact.Record{}, false, err
	}

	doc := descriptorDocument{
		Name:         desc.Name,
		Version:      desc.Version,
		Digest:       d.String(),
		ReleaseTime:  artifact.NormalizeTime(desc.ReleaseTime),
		RegisteredAt: artifact.NormalizeTime(x.clock.Now()),
	}
	if len(desc.Flags) > 0 {
		doc.Flags = maps.Clone(desc.Flags)
	}

	qctx, cancel := x.withTimeout(ctx)
	_, err := x.descriptors.InsertOne(qctx, doc)
	cancel()
	if err == nil {
		return doc.record(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return artifact.Record{}, false, x.wrapError(err)
	}

	stored, err := x.Lookup(ctx, desc.Name, desc.Version)
	if err != nil {
		return artifact.Record{}, false, err
	}
	if stored.Digest != d {
		return stored, false, fmt.Errorf("%w: %s", artifact.ErrConflict, desc.Key())
	}
	return stored, false, nil
}

// Lookup implements artifact.Index.
func (x *Index) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"name": name}
	opts := options.FindOne()
	if version == "" {
		opts.SetSort(newestFirst)
	} else {
		filter["version"] = version
	}

	var doc descriptorDocument
	err := x.descriptors.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if version == "" {
			return artifact.Record{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
		}
		return artifact.Record{}, fmt.Errorf("%w: %s@%s", artifact.ErrNotFound, name, version)
	}
	if err != nil {
		return artifact.Record{}, x.wrapError(err)
	}
	return doc.record(), nil
}

// pageFilter selects the records of name strictly after the cursor in
// newest-first order.
func pageFilter(name string, before artifact.Cursor) bson.M {
	filter := bson.M{"name": name}
	if before.IsZero() {
		return filter
	}
	at := artifact.NormalizeTime(before.ReleaseTime)
	filter["$or"] = bson.A{
		bson.M{"release_time": bson.M{"$lt": at}},
		bson.M{"release_time": at, "version": bson.M{"$lt": before.Version}},
	}
	return filter
}

// ListPage implements artifact.Index.
func (x *Index) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	limit := opts.EffectiveLimit()
	find := options.Find().SetSort(newestFirst).SetLimit(int64(limit))

	cursor, err := x.descriptors.Find(ctx, pageFilter(name, opts.Before), find)
	if err != nil {
		return nil, x.wrapError(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	records := make([]artifact.Record, 0, limit)
	for cursor.Next(ctx) {
		var doc descriptorDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, x.wrapError(err)
		}
		records = append(records, doc.record())
	}
	if err := cursor.Err(); err != nil {
		return nil, x.wrapError(err)
	}
	return records, nil
}

// List implements artifact.Index.
func (x *Index) List(ctx context.Context, name string) iter.Seq2[artifact.Record, error] {
	return artifact.Paginate(ctx, name, artifact.DefaultListLimit, x.ListPage)
}

// References implements artifact.Index.
func (x *Index) References(ctx context.Context, d digest.Digest) (int64, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	n, err := x.descriptors.CountDocuments(ctx, bson.M{"digest": d.String()})
	if err != nil {
		return 0, x.wrapError(err)
	}
	return n, nil
}

// Touch implements blob.RefLedger.
func (x *Index) Touch(ctx context.Context, d digest.Digest, at time.Time) error {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set":         bson.M{"updated_at": at},
		"$setOnInsert": bson.M{"ref_count": int64(0)},
	}
	err := retryDuplicate(func() error {
		_, err := x.refs.UpdateOne(ctx, bson.M{"_id": d.String()}, update, options.Update().SetUpsert(true))
		return err
	})
	if err != nil {
		return x.wrapError(err)
	}
	return nil
}

// Retain implements blob.RefLedger.
func (x *Index) Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$inc": bson.M{"ref_count": int64(1)},
		"$set": bson.M{"updated_at": at},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc refDocument
	err := retryDuplicate(func() error {
		return x.refs.FindOneAndUpdate(ctx, bson.M{"_id": d.String()}, update, opts).Decode(&doc)
	})
	if err != nil {
		return 0, x.wrapError(err)
	}
	return doc.Count, nil
}

// Release implements blob.RefLedger.
func (x *Index) Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": d.String(), "ref_count": bson.M{"$gt": 0}}
	update := bson.M{
		"$inc": bson.M{"ref_count": int64(-1)},
		"$set": bson.M{"updated_at": at},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc refDocument
	err := x.refs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: %s", blob.ErrNotRetained, d)
	}
	if err != nil {
		return 0, x.wrapError(err)
	}
	return doc.Count, nil
}

// Ref implements blob.RefLedger.
func (x *Index) Ref(ctx context.Context, d digest.Digest) (blob.Ref, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	var doc refDocument
	err := x.refs.FindOne(ctx, bson.M{"_id": d.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return blob.Ref{}, blob.ErrRefNotFound
	}
	if err != nil {
		return blob.Ref{}, x.wrapError(err)
	}
	return doc.ref(), nil
}

// Stale implements blob.RefLedger.
func (x *Index) Stale(ctx context.Context, cutoff time.Time) ([]blob.Ref, error) {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	cursor, err := x.refs.Find(ctx, bson.M{"updated_at": bson.M{"$lt": cutoff}}, opts)
	if err != nil {
		return nil, x.wrapError(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var refs []blob.Ref
	for cursor.Next(ctx) {
		var doc refDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, x.wrapError(err)
		}
		refs = append(refs, doc.ref())
	}
	if err := cursor.Err(); err != nil {
		return nil, x.wrapError(err)
	}
	return refs, nil
}

// Reconcile implements blob.RefLedger.
func (x *Index) Reconcile(ctx context.Context, d digest.Digest, count int64) error {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	res, err := x.refs.UpdateOne(ctx, bson.M{"_id": d.String()}, bson.M{"$set": bson.M{"ref_count": count}})
	if err != nil {
		return x.wrapError(err)
	}
	if res.MatchedCount == 0 {
		return blob.ErrRefNotFound
	}
	return nil
}

// Forget implements blob.RefLedger.
func (x *Index) Forget(ctx context.Context, d digest.Digest) error {
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	if _, err := x.refs.DeleteOne(ctx, bson.M{"_id": d.String()}); err != nil {
		return x.wrapError(err)
	}
	return nil
}

// retryDuplicate runs an upsert again when a concurrent upsert inserted
// the same _id first; the second attempt matches the existing row.
func retryDuplicate(fn func() error) error {
	err := fn()
	if mongo.IsDuplicateKeyError(err) {
		err = fn()
	}
	return err
}

// wrapError wraps MongoDB errors with the collection context.
func (x *Index) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mongodb (%s): operation timed out: %w", x.descriptors.Database().Name(), err)
	}
	return fmt.Errorf("mongodb (%s): %w", x.descriptors.Database().Name(), err)
}

func (doc descriptorDocument) record() artifact.Record {
	rec := artifact.Record{
		Descriptor:   artifact.NewDescriptor(doc.Name, doc.Version, doc.ReleaseTime),
		Digest:       digest.Digest(doc.Digest),
		RegisteredAt: doc.RegisteredAt.UTC(),
	}
	if len(doc.Flags) > 0 {
		rec.Flags = maps.Clone(doc.Flags)
	}
	return rec
}

func (doc refDocument) ref() blob.Ref {
	return blob.Ref{
		Digest:    digest.Digest(doc.Digest),
		Count:     doc.Count,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

var (
	_ artifact.Index        = (*Index)(nil)
	_ blob.RefLedger        = (*Index)(nil)
	_ blob.ReferenceCounter = (*Index)(nil)
)
