package registry

import "time"

// FileRecord maps an access code to a file held by the store.
type FileRecord struct {
	AccessCode string    `json:"access_code"`
	StoredName string    `json:"filename"`
	OwnerID    string    `json:"-"` // empty when the upload was anonymous
	SizeBytes  int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// HasOwner reports whether the record was uploaded on behalf of a user.
func (r FileRecord) HasOwner() bool {
	return r.OwnerID != ""
}

// CanBeDeletedBy reports whether requester may remove the record.
// An empty requester and ownerless records are always allowed.
func (r FileRecord) CanBeDeletedBy(requester string) bool {
	if requester == "" || !r.HasOwner() {
		return true
	}
	return r.OwnerID == requester
}
