package files

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
	"filestore/internal/store"
	"filestore/internal/telegram"
)

var capturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filestore_captures_total",
	Help: "Completed captures by kind and outcome.",
}, []string{"kind", "outcome"})

// Store is the persistence the capture service needs.
type Store interface {
	SaveSingle(ctx context.Context, rec *store.FileRecord) (string, error)
	SaveBatch(ctx context.Context, owner int64, ts time.Time, refs []int64) (*store.BatchRecord, error)
	RenameCode(ctx context.Context, owner int64, newCode string) (*store.FileRecord, string, error)
	ListByOwner(ctx context.Context, owner int64) iter.Seq2[*store.FileRecord, error]
}

// Relay moves payloads into the storage chat and its backup.
type Relay interface {
	RelayIncoming(ctx context.Context, msg telegram.Message, dest int64) (int64, error)
	Mirror(ctx context.Context, src, ref int64) (int64, bool, error)
}

// Service turns captured payloads into stored codes.
type Service struct {
	store       Store
	relay       Relay
	archive     Archive
	storageChat int64
	now         func() time.Time
}

// NewService creates a capture service. archive may be nil.
func NewService(st Store, relay Relay, archive Archive, storageChat int64) *Service {
	return &Service{
		store:       st,
		relay:       relay,
		archive:     archive,
		storageChat: storageChat,
		now:         time.Now,
	}
}

// StoreSingle relays msg into the storage chat and stores it under a new
// code.
func (s *Service) StoreSingle(ctx context.Context, msg telegram.Message) (*store.FileRecord, error) {
	ref, err := s.relay.RelayIncoming(ctx, msg, s.storageChat)
	if err != nil {
		capturesTotal.WithLabelValues("file", "relay_failed").Inc()
		return nil, err
	}

	rec := &store.FileRecord{
		PayloadRef: ref,
		Owner:      msg.FromID,
		CreatedAt:  s.now(),
		Caption:    msg.Caption,
		Kind:       store.ParseKind(msg.Media),
	}
	if _, err := s.store.SaveSingle(ctx, rec); err != nil {
		capturesTotal.WithLabelValues("file", "store_failed").Inc()
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	capturesTotal.WithLabelValues("file", "ok").Inc()

	s.mirror(ctx, ref)
	s.put(ctx, fileManifest(rec))
	return rec, nil
}

// FinishBatch stores refs, already relayed, as one batch.
func (s *Service) FinishBatch(ctx context.Context, owner int64, refs []int64) (*store.BatchRecord, error) {
	batch, err := s.store.SaveBatch(ctx, owner, s.now(), refs)
	if err != nil {
		capturesTotal.WithLabelValues("batch", "store_failed").Inc()
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}
	capturesTotal.WithLabelValues("batch", "ok").Inc()

	for _, ref := range refs {
		s.mirror(ctx, ref)
	}
	s.put(ctx, batchManifest(batch, refs))
	return batch, nil
}

// Rename gives the owner's most recent file a new code.
func (s *Service) Rename(ctx context.Context, owner int64, newCode string) (*store.FileRecord, error) {
	if !ValidCode(newCode) {
		return nil, ErrInvalidCode
	}
	rec, oldCode, err := s.store.RenameCode(ctx, owner, newCode)
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		s.moveManifest(ctx, rec, oldCode)
	}
	return rec, nil
}

// moveManifest rewrites the manifest under the new code, carrying the
// rename history forward, and removes the old one.
func (s *Service) moveManifest(ctx context.Context, rec *store.FileRecord, oldCode string) {
	m := fileManifest(rec)
	prev, err := s.archive.Load(ctx, oldCode)
	switch {
	case err == nil:
		m.PreviousCodes = append(prev.PreviousCodes, oldCode)
	case errors.Is(err, ErrNotFound):
		m.PreviousCodes = []string{oldCode}
	default:
		logging.Archive.Printf("failed to read manifest %s: %v", oldCode, err)
		m.PreviousCodes = []string{oldCode}
	}

	s.put(ctx, m)
	if err := s.archive.Delete(ctx, oldCode); err != nil && !errors.Is(err, ErrNotFound) {
		logging.Archive.Printf("failed to remove manifest %s: %v", oldCode, err)
	}
}

// List yields the owner's files, newest first.
func (s *Service) List(ctx context.Context, owner int64) iter.Seq2[*store.FileRecord, error] {
	return s.store.ListByOwner(ctx, owner)
}

// Forget drops the manifests of purged codes.
func (s *Service) Forget(ctx context.Context, purged []store.PurgedCode) {
	if s.archive == nil {
		return
	}
	for _, p := range purged {
		if err := s.archive.Delete(ctx, p.Code); err != nil && !errors.Is(err, ErrNotFound) {
			logging.Archive.Printf("failed to remove manifest %s: %v", p.Code, err)
		}
	}
}

func (s *Service) mirror(ctx context.Context, ref int64) {
	if _, _, err := s.relay.Mirror(ctx, s.storageChat, ref); err != nil {
		logging.Relay.Printf("backup mirror of %d failed: %v", ref, err)
	}
}

func (s *Service) put(ctx context.Context, m *Manifest) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, m); err != nil {
		logging.Archive.Printf("failed to write manifest %s: %v", m.Code, err)
	}
}
