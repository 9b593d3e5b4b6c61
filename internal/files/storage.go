package files

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"filestore/internal/store"
)

var (
	ErrNotFound    = errors.New("manifest not found")
	ErrInvalidCode = errors.New("invalid code")
)

// validCodePattern is what a deep-link start parameter may carry. It also
// keeps codes safe to use as file and object names.
var validCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidCode reports whether code may be used as a share code.
func ValidCode(code string) bool {
	return validCodePattern.MatchString(code)
}

// Manifest describes what a code points at. It is a recoverable copy of the
// database row, written next to the payloads in the archive.
type Manifest struct {
	Code      string         `json:"code"`
	Kind      store.CodeKind `json:"kind"`
	Owner     int64          `json:"owner"`
	CreatedAt time.Time      `json:"created_at"`
	Caption   string         `json:"caption,omitempty"`
	MediaKind store.Kind     `json:"media_kind,omitempty"`
	Refs      []int64        `json:"refs"`
	// PreviousCodes lists earlier codes of a renamed file, oldest first.
	PreviousCodes []string `json:"previous_codes,omitempty"`
}

func fileManifest(rec *store.FileRecord) *Manifest {
	return &Manifest{
		Code:      rec.Code,
		Kind:      store.CodeFile,
		Owner:     rec.Owner,
		CreatedAt: rec.CreatedAt.UTC(),
		Caption:   rec.Caption,
		MediaKind: rec.Kind,
		Refs:      []int64{rec.PayloadRef},
	}
}

func batchManifest(b *store.BatchRecord, refs []int64) *Manifest {
	return &Manifest{
		Code:      b.Code,
		Kind:      store.CodeBatch,
		Owner:     b.Owner,
		CreatedAt: b.CreatedAt.UTC(),
		Refs:      append([]int64(nil), refs...),
	}
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Archive keeps one manifest per stored code.
type Archive interface {
	Put(ctx context.Context, m *Manifest) error
	Load(ctx context.Context, code string) (*Manifest, error)
	Delete(ctx context.Context, code string) error
}
