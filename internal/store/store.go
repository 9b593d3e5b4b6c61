package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrCodeCollision = errors.New("code already in use")
	ErrEmptyBatch    = errors.New("batch is empty")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Kind is the media kind of a stored payload.
type Kind string

const (
	KindDocument Kind = "document"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindSticker  Kind = "sticker"
	KindUnknown  Kind = "unknown"
)

// ParseKind maps a platform media kind onto Kind, falling back to KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindDocument, KindPhoto, KindVideo, KindAudio, KindVoice, KindSticker:
		return k
	}
	return KindUnknown
}

// CodeKind tells which record a code resolves to.
type CodeKind string

const (
	CodeFile  CodeKind = "file"
	CodeBatch CodeKind = "batch"
)

// FileRecord maps a code to a single relayed payload.
type FileRecord struct {
	Code       string
	PayloadRef int64
	Owner      int64
	CreatedAt  time.Time
	Caption    string
	Kind       Kind
}

// BatchRecord maps a code to an ordered set of relayed payloads.
type BatchRecord struct {
	Code      string
	Owner     int64
	CreatedAt time.Time
	ItemCount int
}

// BatchItem is one payload of a batch. Position is the insertion ordinal.
type BatchItem struct {
	Code       string
	Position   int
	PayloadRef int64
	Owner      int64
}

// Resolution is the result of a successful Lookup. Exactly one of File or
// Batch is set, according to Kind.
type Resolution struct {
	Kind  CodeKind
	File  *FileRecord
	Batch *BatchRecord
	Items []BatchItem
}

// Retention controls the expiry sweep. It is persisted so changes survive
// restarts.
type Retention struct {
	Enabled bool
	Window  time.Duration
}

// Active reports whether the sweep should delete anything.
func (r Retention) Active() bool {
	return r.Enabled && r.Window > 0
}

// PurgedCode identifies a record removed by DeleteOlderThan.
type PurgedCode struct {
	Code string
	Kind CodeKind
}

// Stats contains aggregate counts about stored records.
type Stats struct {
	Files      int
	Batches    int
	Items      int
	Admins     int
	OldestFile time.Time
	NewestFile time.Time
}
