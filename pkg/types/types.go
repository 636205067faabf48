package types

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Realm identifies which storage namespace owns an asset's canonical bytes.
// Ownership is exclusive: exactly one realm holds an asset at any time.
type Realm string

const (
	RealmGuest         Realm = "guest"
	RealmAuthenticated Realm = "authenticated"
)

// GuestUploadSession anchors uploads made before a visitor authenticates.
// A session is open, expired (read-time check, no background sweep) or
// migrated. Expired and migrated are terminal states.
type GuestUploadSession struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	FileCount int       `json:"file_count" gorm:"default:0"`

	// Location consent fields. Either all four are set or all four are null.
	Latitude           *float64   `json:"latitude"`
	Longitude          *float64   `json:"longitude"`
	Accuracy           *float64   `json:"accuracy"`
	LocationCapturedAt *time.Time `json:"location_captured_at"`

	MigratedToUserID *uuid.UUID `json:"migrated_to_user_id" gorm:"index"`
	MigratedAt       *time.Time `json:"migrated_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the session ID
func (s *GuestUploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsMigrated reports whether the session reached its migrated terminal state
func (s *GuestUploadSession) IsMigrated() bool {
	return s.MigratedToUserID != nil
}

// IsExpired reports whether the session's TTL has elapsed at the given instant
func (s *GuestUploadSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsOpen reports whether the session still accepts writes at the given instant
func (s *GuestUploadSession) IsOpen(now time.Time) bool {
	return !s.IsMigrated() && !s.IsExpired(now)
}

// Location returns the consent-gated location fields, or nil when no consent
// was recorded.
func (s *GuestUploadSession) Location() *GeoLocation {
	if s.Latitude == nil || s.Longitude == nil || s.Accuracy == nil || s.LocationCapturedAt == nil {
		return nil
	}
	return &GeoLocation{
		Latitude:   *s.Latitude,
		Longitude:  *s.Longitude,
		Accuracy:   *s.Accuracy,
		CapturedAt: *s.LocationCapturedAt,
	}
}

// GeoLocation is a consented device position attached to a guest session
type GeoLocation struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// Identity is the caller identity supplied by the identity provider.
// The zero value is anonymous.
type Identity struct {
	UserID    uuid.UUID `json:"user_id"`
	Anonymous bool      `json:"anonymous"`
}

// Authenticated returns an identity for a signed-in user
func Authenticated(userID uuid.UUID) Identity {
	return Identity{UserID: userID}
}

// Anonymous returns the anonymous identity
func Anonymous() Identity {
	return Identity{Anonymous: true}
}

// Provenance tags how an asset entered its current realm
type Provenance string

const (
	// ProvenanceDirect marks an asset uploaded directly by its owner.
	ProvenanceDirect Provenance = "direct"
	// ProvenanceGuest marks an asset absorbed into the authenticated realm
	// from a guest session.
	ProvenanceGuest Provenance = "guest"
)

// MetadataVersion is the current AssetMetadata schema version
const MetadataVersion = 1

// AssetMetadata is the closed, versioned metadata record attached to every
// storage write. Migration code matches on Provenance instead of probing
// optional fields.
type AssetMetadata struct {
	Version    int        `json:"version"`
	Provenance Provenance `json:"provenance"`
	OwnerID    string     `json:"owner_id"`
	UploadedAt time.Time  `json:"uploaded_at"`

	// Guest-provenance fields, empty for direct uploads.
	MigratedFrom string       `json:"migrated_from,omitempty"`
	MigratedAt   *time.Time   `json:"migrated_at,omitempty"`
	Location     *GeoLocation `json:"location,omitempty"`
}

// Encode flattens the metadata record into the string map object stores accept
func (m *AssetMetadata) Encode() map[string]string {
	meta := map[string]string{
		"metadata-version": strconv.Itoa(m.Version),
		"provenance":       string(m.Provenance),
		"owner-id":         m.OwnerID,
		"uploaded-at":      m.UploadedAt.UTC().Format(time.RFC3339),
	}
	if m.Provenance == ProvenanceGuest {
		meta["migrated-from"] = m.MigratedFrom
		if m.MigratedAt != nil {
			meta["migrated-at"] = m.MigratedAt.UTC().Format(time.RFC3339)
		}
		if m.Location != nil {
			meta["location-latitude"] = strconv.FormatFloat(m.Location.Latitude, 'f', -1, 64)
			meta["location-longitude"] = strconv.FormatFloat(m.Location.Longitude, 'f', -1, 64)
			meta["location-accuracy"] = strconv.FormatFloat(m.Location.Accuracy, 'f', -1, 64)
			meta["location-captured-at"] = m.Location.CapturedAt.UTC().Format(time.RFC3339)
		}
	}
	return meta
}

// UploadedAsset describes one stored object and the realm owning it
type UploadedAsset struct {
	Path      string `json:"path"`
	PublicURL string `json:"public_url"`
	Realm     Realm  `json:"realm"`
}

// MovedObject records one (old path, new path) pair produced by a migration run
type MovedObject struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	URL     string `json:"url"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// LocationConsentRequest sets or clears the session's location fields
type LocationConsentRequest struct {
	Location *GeoLocation `json:"location"`
}
