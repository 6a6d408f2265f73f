package models

import (
	"time"

	se "wuyrush.io/linkvault/errors"
)

/*
 Application layer data models.
*/

type Kind int

const (
	KindText Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Payload is the body of a piece of content. It is implemented by TextPayload and FilePayload only,
// so a Content can never carry text and file data at the same time.
type Payload interface {
	Kind() Kind
	payload()
}

// TextPayload holds inline text content
type TextPayload struct {
	Body string
}

func (TextPayload) Kind() Kind { return KindText }
func (TextPayload) payload()   {}

// FilePayload is a handle to bytes owned by the file storage layer
type FilePayload struct {
	// Ref is the file's reference in file storage layer
	Ref      string
	Name     string
	Size     int64
	MIMEType string
}

func (FilePayload) Kind() Kind { return KindFile }
func (FilePayload) payload()   {}

// Content is a stored upload along with its access state.
type Content struct {
	ID           string
	Payload      Payload
	CreationTime time.Time
	Expiry       time.Time
	ViewCount    uint64
	// MaxViews caps ViewCount when non-zero
	MaxViews     uint64
	ReadAndBurn  bool
	PasswordHash string
	// Deleted is a tombstone. Once set it never reverts
	Deleted bool
	OwnerID string
}

func (c *Content) Kind() Kind {
	return c.Payload.Kind()
}

func (c *Content) Text() (TextPayload, bool) {
	p, ok := c.Payload.(TextPayload)
	return p, ok
}

func (c *Content) File() (FilePayload, bool) {
	p, ok := c.Payload.(FilePayload)
	return p, ok
}

// Protected reports whether the content requires a password to access
func (c *Content) Protected() bool {
	return c.PasswordHash != ""
}

// Expired reports whether now is past the content's expiry
func (c *Content) Expired(now time.Time) bool {
	return now.After(c.Expiry)
}

// QuotaExhausted reports whether the content had used up its view quota. ReadAndBurn content allows
// exactly one view regardless of MaxViews.
func (c *Content) QuotaExhausted() bool {
	return c.QuotaErr() != nil
}

// QuotaErr returns the rejection for content which had used up its view quota, or nil if it had not
func (c *Content) QuotaErr() *se.Err {
	if c.ReadAndBurn && c.ViewCount > 0 {
		return se.NewQuotaExhausted("content was set for one-time view only")
	}
	if c.MaxViews > 0 && c.ViewCount >= c.MaxViews {
		return se.NewQuotaExhausted("view limit reached")
	}
	return nil
}

// retireAfterView reports whether the content shall be retired right after its latest view
func (c *Content) retireAfterView() bool {
	return c.ReadAndBurn || (c.MaxViews > 0 && c.ViewCount >= c.MaxViews)
}

// CheckAccess checks the content's state against access rules, in following order:
// 1. tombstoned content is treated as non-existent;
// 2. content past its expiry is expired;
// 3. read-and-burn content viewed once is exhausted;
// 4. content whose view count reached MaxViews is exhausted.
// Password is not in the picture; it is checked by caller holding the plaintext.
func (c *Content) CheckAccess(now time.Time) *se.Err {
	if c.Deleted {
		return se.NewNotFound("content not found")
	}
	if c.Expired(now) {
		return se.NewExpired("content expired")
	}
	return c.QuotaErr()
}

// View counts one access against the content and tombstones it once its quota is used up. Caller must
// have checked the access with CheckAccess in the same critical section.
func (c *Content) View() {
	c.ViewCount++
	if c.retireAfterView() {
		c.Deleted = true
	}
}

// Junk reports whether the content shall be reclaimed by sweeper, i.e. it is tombstoned or its expiry
// is no later than now.
func (c *Content) Junk(now time.Time) bool {
	return c.Deleted || !c.Expiry.After(now)
}

// OwnedBy reports whether the user identified by userID owns the content. Content without owner is
// owned by nobody.
func (c *Content) OwnedBy(userID string) bool {
	return c.OwnerID != "" && c.OwnerID == userID
}

// Validate checks invariants every persisted Content must hold
func (c *Content) Validate() *se.Err {
	if c.ID == "" {
		return se.NewBadInput("content id must not be empty")
	}
	switch p := c.Payload.(type) {
	case TextPayload:
		if p.Body == "" {
			return se.NewBadInput("text cannot be empty")
		}
	case FilePayload:
		if p.Ref == "" || p.Name == "" {
			return se.NewBadInput("file reference and name must not be empty")
		}
	default:
		return se.NewBadInput("content must carry either text or file")
	}
	if !c.Expiry.After(c.CreationTime) {
		return se.NewBadInput("content expiry must be later than its creation time")
	}
	if c.MaxViews > 0 && c.ViewCount > c.MaxViews {
		return se.NewBadInput("view count beyond max views")
	}
	return nil
}

// Junk represents necessary content data for reclamation purpose
type Junk struct {
	ContentID string   // content ID
	FileRefs  []string // references of content's files on storage layer
}

// User models an authenticated requester
type User struct {
	ID string
}

func (u *User) Anonymous() bool {
	return u == nil || u.ID == ""
}
