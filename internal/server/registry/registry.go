package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("access code not found")
	ErrForbidden     = errors.New("requester does not own this file")
	ErrInvalidCode   = errors.New("invalid access code")
	ErrNameTaken     = errors.New("stored name already registered")
	ErrCodeExhausted = errors.New("could not generate a unique access code")
)

// CodeLength is the number of characters in an access code.
const CodeLength = 8

// maxCodeAttempts bounds regeneration when a fresh code collides with a live one.
const maxCodeAttempts = 32

// CodeGenerator produces candidate access codes.
type CodeGenerator func() (string, error)

// Registry is the in-memory source of truth for access codes.
// The code map, the stored-name index and the owner index are guarded by
// a single lock so they always change together.
type Registry struct {
	mu      sync.RWMutex
	byCode  map[string]*FileRecord
	byName  map[string]string   // stored name -> access code
	byOwner map[string][]string // owner -> access codes, insertion order

	newCode CodeGenerator
	now     func() time.Time
}

// New creates an empty registry that issues UUID-derived access codes.
func New() *Registry {
	return NewWithGenerator(GenerateCode)
}

// NewWithGenerator creates an empty registry using gen for access codes.
func NewWithGenerator(gen CodeGenerator) *Registry {
	return &Registry{
		byCode:  make(map[string]*FileRecord),
		byName:  make(map[string]string),
		byOwner: make(map[string][]string),
		newCode: gen,
		now:     time.Now,
	}
}

// GenerateCode returns the first CodeLength hex characters of a random UUID.
func GenerateCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate uuid: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", "")[:CodeLength], nil
}

// ValidateCode checks the shape of an access code supplied by a client.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidCode, CodeLength, len(code))
	}
	for _, c := range code {
		isDigit := c >= '0' && c <= '9'
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isDigit && !isLetter {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, c)
		}
	}
	return nil
}

// Register records a stored file and returns its new record.
// The returned access code is unique among live codes.
func (r *Registry) Register(storedName, ownerID string, size int64) (FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[storedName]; taken {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNameTaken, storedName)
	}

	code, err := r.uniqueCode()
	if err != nil {
		return FileRecord{}, err
	}

	rec := &FileRecord{
		AccessCode: code,
		StoredName: storedName,
		OwnerID:    ownerID,
		SizeBytes:  size,
		UploadedAt: r.now().UTC(),
	}
	r.insert(rec)

	return *rec, nil
}

// Restore puts back a record previously returned by Remove.
// It fails if the code or stored name has been reused in the meantime.
func (r *Registry) Restore(rec FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[rec.AccessCode]; exists {
		return fmt.Errorf("access code %s is live again", rec.AccessCode)
	}
	if _, taken := r.byName[rec.StoredName]; taken {
		return fmt.Errorf("%w: %s", ErrNameTaken, rec.StoredName)
	}

	r.insert(&rec)
	return nil
}

// Resolve looks up the record for an access code.
func (r *Registry) Resolve(code string) (FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byCode[code]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

// ResolveStoredName looks up the record holding a stored name.
func (r *Registry) ResolveStoredName(storedName string) (FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.byName[storedName]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *r.byCode[code], nil
}

// ListByOwner returns the owner's records in upload order.
func (r *Registry) ListByOwner(ownerID string) []FileRecord {
	if ownerID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := r.byOwner[ownerID]
	out := make([]FileRecord, 0, len(codes))
	for _, code := range codes {
		out = append(out, *r.byCode[code])
	}
	return out
}

// Remove deletes the record for code if requester is allowed to.
// The removed record is returned so the caller can release its bytes.
func (r *Registry) Remove(code, requester string) (FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byCode[code]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	if !rec.CanBeDeletedBy(requester) {
		return FileRecord{}, ErrForbidden
	}

	delete(r.byCode, code)
	delete(r.byName, rec.StoredName)
	if rec.HasOwner() {
		r.byOwner[rec.OwnerID] = without(r.byOwner[rec.OwnerID], code)
		if len(r.byOwner[rec.OwnerID]) == 0 {
			delete(r.byOwner, rec.OwnerID)
		}
	}

	return *rec, nil
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCode)
}

// TotalBytes returns the combined size of all live records.
func (r *Registry) TotalBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, rec := range r.byCode {
		total += rec.SizeBytes
	}
	return total
}

// uniqueCode must be called with the write lock held.
func (r *Registry) uniqueCode() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return "", err
		}
		if _, exists := r.byCode[code]; !exists {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// insert must be called with the write lock held.
func (r *Registry) insert(rec *FileRecord) {
	r.byCode[rec.AccessCode] = rec
	r.byName[rec.StoredName] = rec.AccessCode
	if rec.HasOwner() {
		r.byOwner[rec.OwnerID] = append(r.byOwner[rec.OwnerID], rec.AccessCode)
	}
}

func without(codes []string, code string) []string {
	out := codes[:0]
	for _, c := range codes {
		if c != code {
			out = append(out, c)
		}
	}
	return out
}
