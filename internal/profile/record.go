// Package profile owns the on-disk state of browser profiles: the browser's
// user-data directory, a JSON sidecar with saved cookies, local storage and
// identity inputs, a per-profile process lock and a SQLite catalog.
package profile

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrLocked means another session or process holds the profile.
	ErrLocked = errors.New("profile is locked")

	// ErrNotFound means no profile directory exists for the name.
	ErrNotFound = errors.New("profile not found")

	// ErrInvalidName rejects names that are unsafe as directory names.
	ErrInvalidName = errors.New("invalid profile name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateName checks that name can be used as a profile directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Cookie is a saved browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitzero"`
}

// Session reports whether the cookie dies with the browser.
func (c Cookie) Session() bool { return c.Expires <= 0 }

// StorageEntry is one localStorage item.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage is the saved localStorage of one origin.
type OriginStorage struct {
	Origin  string         `json:"origin"`
	Entries []StorageEntry `json:"entries"`
}

// Viewport is the emulated window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IdentityInputs are the per-profile values an identity is built from.
type IdentityInputs struct {
	UserAgent string   `json:"userAgent,omitzero"`
	Locale    string   `json:"locale,omitzero"`
	Timezone  string   `json:"timezone,omitzero"`
	Viewport  Viewport `json:"viewport,omitzero"`
	Headless  bool     `json:"headless"`
	Seed      int      `json:"seed,omitzero"`
}

// Record is the sidecar persisted next to the browser's user-data dir.
type Record struct {
	Name         string          `json:"name"`
	Cookies      []Cookie        `json:"cookies"`
	LocalStorage []OriginStorage `json:"perOriginLocalStorage"`
	LastUsed     time.Time       `json:"lastUsed,omitzero"`
	Identity     IdentityInputs  `json:"identity"`
}

// MergeLocalStorage replaces the entries of every origin in update and
// keeps origins update does not mention.
func (r *Record) MergeLocalStorage(update []OriginStorage) {
	idx := make(map[string]int, len(r.LocalStorage))
	for i, o := range r.LocalStorage {
		idx[o.Origin] = i
	}
	for _, o := range update {
		if i, ok := idx[o.Origin]; ok {
			r.LocalStorage[i] = o
			continue
		}
		idx[o.Origin] = len(r.LocalStorage)
		r.LocalStorage = append(r.LocalStorage, o)
	}
}

// Profile is an opened profile directory.
type Profile struct {
	Name        string
	Dir         string
	UserDataDir string
	Record      *Record

	// Created is true when Open made the directory.
	Created bool
}
