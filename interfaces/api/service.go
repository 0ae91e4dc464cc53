// Package api provides the principal-facing surface of the deck.
//
// A Service is what an HTTP collaborator calls once it has resolved the
// caller's principal:
//
//	dep, _ := bootstrap.Build(ctx, cfg)
//	svc := api.NewService(dep.Deck)
//	result, err := svc.Ingest(ctx, principal, body)
//	if err != nil {
//	    body := api.ErrorBody(err)
//	    // write body.Status and body as JSON
//	}
//
// Every error returned by a Service maps to a stable Body through
// ErrorBody.
package api

import (
	"context"
	"iter"

	"github.com/enginehub/cassettedeck/application"
	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Re-export domain types used in Service signatures.
type (
	// Descriptor identifies one artifact version.
	Descriptor = artifact.Descriptor
	// Record is a registered descriptor with its content digest.
	Record = artifact.Record
	// Cursor positions a listing.
	Cursor = artifact.Cursor
	// IngestionResult is the outcome of one ingestion.
	IngestionResult = artifact.IngestionResult
	// State is an ingestion lifecycle state.
	State = artifact.State
	// Fetched is a resolved artifact with its bytes.
	Fetched = application.Fetched
)

// DefaultPageSize is the page size used when a caller passes no limit.
const DefaultPageSize = artifact.DefaultListLimit

// Service exposes ingestion and retrieval to authenticated callers.
type Service struct {
	deck *application.Deck
}

// NewService creates a service over deck.
func NewService(deck *application.Deck) *Service {
	return &Service{deck: deck}
}

// Ingest validates and publishes an archive uploaded by principal.
func (s *Service) Ingest(ctx context.Context, principal string, raw []byte) (IngestionResult, error) {
	return s.deck.Ingest(ctx, principal, raw)
}

// Fetch returns the canonical bytes of name at version. An empty version
// selects the latest release.
func (s *Service) Fetch(ctx context.Context, principal, name, version string) (Fetched, error) {
	return s.deck.Fetch(ctx, principal, name, version)
}

// List yields the records of name, newest release first.
func (s *Service) List(ctx context.Context, name string) iter.Seq2[Record, error] {
	return s.deck.List(ctx, name)
}

// ListPage returns up to limit records of name released before the
// cursor. A zero cursor starts at the newest release.
func (s *Service) ListPage(ctx context.Context, name string, before Cursor, limit int) ([]Record, error) {
	if !artifact.ValidName(name) {
		return nil, artifact.ErrInvalidName
	}
	return s.deck.ListPage(ctx, name, artifact.ListOptions{Before: before, Limit: limit})
}

// Status reports whether name at version is the published release or
// has been superseded.
func (s *Service) Status(ctx context.Context, name, version string) (State, error) {
	return s.deck.Status(ctx, name, version)
}
