// ABOUTME: Data types and sentinel errors for the relational storage layer
// ABOUTME: Defines Recipient, Session, Message and friends plus trust levels

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrWrongPassword is returned when the database key fails the unlock
// probe. It is surfaced before any row is readable.
var ErrWrongPassword = errors.New("wrong storage password")

// ErrEncryptionUnavailable is returned when a database key is supplied
// but the linked SQLite build has no cipher support. Opening anyway would
// write plaintext while the caller believes the password protects it, so
// Open refuses instead.
var ErrEncryptionUnavailable = errors.New("sqlite build has no encryption support")

// ErrNoSender is returned when an inbound message carries no resolvable
// sender and no session to attach to. That is a caller bug: an inbound
// message must always carry sender evidence.
var ErrNoSender = errors.New("message without resolvable sender or session")

// TrustLevel is the caller-supplied confidence in a phone/uuid pairing.
// Certain pairings come from authenticated server responses and may merge
// or move identifiers; Uncertain pairings are only inferred (for example
// from envelope metadata) and never mutate a confirmed identity.
type TrustLevel int

const (
	TrustUncertain TrustLevel = iota
	TrustCertain
)

func (t TrustLevel) String() string {
	if t == TrustCertain {
		return "certain"
	}
	return "uncertain"
}

// UnidentifiedAccessMode mirrors the server's sealed-sender access state
// for a recipient.
type UnidentifiedAccessMode int

const (
	UnidentifiedUnknown UnidentifiedAccessMode = iota
	UnidentifiedDisabled
	UnidentifiedEnabled
	UnidentifiedUnrestricted
)

// Recipient is the identity of a person. Phone number and UUID are each
// unique across all recipients when non-null; the reconciliation engine
// maintains that invariant across merges. Rows are never hard-deleted
// outside of a merge, because messages and sessions reference them.
type Recipient struct {
	ID       int64
	E164     *string
	ACI      *uuid.UUID
	Username *string
	Email    *string
	Blocked  bool

	ProfileGivenName     *string
	ProfileFamilyName    *string
	ProfileKey           []byte
	ProfileKeyCredential []byte
	Avatar               *string
	LastProfileFetch     *time.Time

	UnidentifiedAccessMode UnidentifiedAccessMode
	StorageServiceID       []byte
}

// E164String returns the phone number or "".
func (r *Recipient) E164String() string {
	if r.E164 == nil {
		return ""
	}
	return *r.E164
}

// ACIString returns the UUID or "".
func (r *Recipient) ACIString() string {
	if r.ACI == nil {
		return ""
	}
	return r.ACI.String()
}

// GroupV1 is a legacy group identified by a content-derived 16-byte id,
// stored hex-encoded.
type GroupV1 struct {
	ID   string
	Name string
	// ExpectedV2ID is the v2 group id this group would migrate to,
	// computed once and compared on arrival of a v2 group.
	ExpectedV2ID *string
	Members      []GroupV1Member
}

// GroupV1Member joins a v1 group to a recipient.
type GroupV1Member struct {
	GroupV1ID   string
	RecipientID int64
	MemberSince *time.Time
}

// GroupV2 is a group identified by a master-key-derived 32-byte id,
// stored hex-encoded.
type GroupV2 struct {
	ID        string
	MasterKey string
	Name      string
	Revision  uint32
	Members   []GroupV2Member
}

// GroupV2Member joins a v2 group to a recipient with membership metadata.
type GroupV2Member struct {
	GroupV2ID        string
	RecipientID      int64
	MemberSince      *time.Time
	JoinedAtRevision uint32
	Role             int32
}

// Session is one conversation thread. Exactly one of the three target
// fields is set; the schema enforces this with a CHECK constraint and the
// application layer treats it as a tagged union.
type Session struct {
	ID int64

	DirectMessageRecipientID *int64
	GroupV1ID                *string
	GroupV2ID                *string

	IsArchived bool
	IsPinned   bool
	IsSilent   bool
	IsMuted    bool

	DraftText *string

	// ExpiringMessageTimeout is the per-conversation disappearing-message
	// timeout in seconds; nil means messages do not expire.
	ExpiringMessageTimeout *int64
}

// IsDirect reports whether this session is a one-to-one conversation.
func (s *Session) IsDirect() bool { return s.DirectMessageRecipientID != nil }

// IsGroupV1 reports whether this session is a legacy group conversation.
func (s *Session) IsGroupV1() bool { return s.GroupV1ID != nil }

// IsGroupV2 reports whether this session is a v2 group conversation.
func (s *Session) IsGroupV2() bool { return s.GroupV2ID != nil }

// Message belongs to exactly one Session. The practical dedup key is
// (session_id, server_timestamp, is_outbound): a message arriving twice
// with the same server timestamp updates instead of duplicating.
type Message struct {
	ID        int64
	SessionID int64

	Text              *string
	SenderRecipientID *int64

	ReceivedTimestamp *time.Time
	SentTimestamp     *time.Time
	ServerTimestamp   time.Time

	IsRead     bool
	IsOutbound bool
	Flags      int32

	// ExpiresIn is the disappearing-message timeout in seconds captured at
	// send/receive time; nil means the message does not expire.
	ExpiresIn       *int64
	ExpiryStartedAt *time.Time

	SendingHasFailed bool
	IsRemoteDeleted  bool
}

// NewMessage is the ingestion input for ProcessMessage.
type NewMessage struct {
	// SessionID pins the owning session directly (outbound compose).
	// When nil the session is resolved from the group context or sender.
	SessionID *int64

	// Sender evidence from the envelope; resolved through recipient
	// reconciliation at Uncertain trust.
	SourceE164 *string
	SourceACI  *uuid.UUID

	Text            string
	ServerTimestamp time.Time
	ReceivedAt      *time.Time
	SentAt          *time.Time
	IsOutbound      bool
	IsRead          bool
	Flags           int32
	ExpiresIn       *int64
}

// GroupContext identifies the group a message belongs to, if any.
// At most one of V1 and V2 is set.
type GroupContext struct {
	V1 *GroupV1
	V2 *GroupV2
}

// Attachment belongs to a message.
type Attachment struct {
	ID        int64
	MessageID int64

	ContentType string
	// Path is set once the attachment is downloaded.
	Path          *string
	PendingUpload bool
	TransferState int32

	Width  *int64
	Height *int64

	StickerPackID *string
	StickerID     *int64

	ContentHash []byte
}

// Reaction is one live reaction per (message, author); a later reaction
// from the same author replaces the former.
type Reaction struct {
	MessageID         int64
	AuthorRecipientID int64
	Emoji             string
	SentAt            time.Time
}

// Receipt holds the tri-state delivery timestamps for one message and one
// recipient. Each timestamp is set at most once; a later-arriving earlier
// receipt type never unsets a later one.
type Receipt struct {
	MessageID   int64
	RecipientID int64
	Delivered   *time.Time
	Read        *time.Time
	Viewed      *time.Time
}

// ReceiptKind names one of the receipt timestamps.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
	ReceiptViewed    ReceiptKind = "viewed"
)
