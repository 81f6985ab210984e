package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindFile     MessageKind = "file"
	KindLocation MessageKind = "location"
	KindSystem   MessageKind = "system"
)

const maxTextLen = 2000

var ErrInvalidBody = errors.New("invalid message body")

// MessageBody is the payload of a message. Each kind carries only the fields
// that kind requires, enforced at construction instead of by convention on a
// bag of optional fields.
type MessageBody interface {
	Kind() MessageKind
	// Preview is the denormalized text shown in chat lists.
	Preview() string
	validate() error
}

type TextBody struct {
	Text string
}

func (TextBody) Kind() MessageKind { return KindText }
func (b TextBody) Preview() string { return b.Text }
func (b TextBody) validate() error {
	if b.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidBody)
	}
	if len(b.Text) > maxTextLen {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidBody, maxTextLen)
	}
	return nil
}

// FileBody covers both image and generic file attachments. The service never
// handles bytes; URL points at the marketplace upload endpoint's result.
type FileBody struct {
	FileKind MessageKind // KindImage or KindFile
	URL      string
	Name     string
	Size     int64
}

func (b FileBody) Kind() MessageKind { return b.FileKind }
func (b FileBody) Preview() string   { return "Sent a " + string(b.FileKind) }
func (b FileBody) validate() error {
	if b.FileKind != KindImage && b.FileKind != KindFile {
		return fmt.Errorf("%w: file kind must be image or file", ErrInvalidBody)
	}
	if b.URL == "" {
		return fmt.Errorf("%w: file url required", ErrInvalidBody)
	}
	return nil
}

type LocationBody struct {
	Latitude  float64
	Longitude float64
	Address   string
}

func (LocationBody) Kind() MessageKind { return KindLocation }
func (LocationBody) Preview() string   { return "Sent a location" }
func (b LocationBody) validate() error {
	if b.Latitude < -90 || b.Latitude > 90 || b.Longitude < -180 || b.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidBody)
	}
	return nil
}

// SystemBody is server-generated text (appointment linked, chat closed, ...).
type SystemBody struct {
	Text string
}

func (SystemBody) Kind() MessageKind { return KindSystem }
func (b SystemBody) Preview() string { return b.Text }
func (b SystemBody) validate() error {
	if b.Text == "" {
		return fmt.Errorf("%w: empty system text", ErrInvalidBody)
	}
	return nil
}

// ReadMarker records that a user has seen a message. The sender never
// appears in a message's markers.
type ReadMarker struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// EditRecord preserves the pre-edit content for audit.
type EditRecord struct {
	IsEdited     bool      `json:"is_edited"`
	EditedAt     time.Time `json:"edited_at"`
	OriginalText string    `json:"original_content"`
}

// GeoPoint is the wire/storage shape of a shared location.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// Message is owned by its parent Chat; it is embedded in the chat document
// and is not independently addressable.
type Message struct {
	ID        string
	SenderID  string
	Body      MessageBody
	ReplyToID string
	ReadBy    []ReadMarker
	Edited    *EditRecord
	CreatedAt time.Time
}

// ValidateBody checks a body's kind-specific required fields.
func ValidateBody(b MessageBody) error {
	if b == nil {
		return fmt.Errorf("%w: nil body", ErrInvalidBody)
	}
	return b.validate()
}

// NewBody assembles a typed body from the flat fields clients send. System
// messages are server-generated and rejected here.
func NewBody(kind MessageKind, content, fileURL, fileName string, fileSize int64, loc *GeoPoint) (MessageBody, error) {
	if kind == KindSystem {
		return nil, fmt.Errorf("%w: system messages are server-generated", ErrInvalidBody)
	}
	w := messageWire{Kind: kind, Content: content, FileURL: fileURL, FileName: fileName, FileSize: fileSize, Location: loc}
	return bodyFromWire(&w)
}

// NewMessage validates the body and stamps the message.
func NewMessage(id, senderID string, body MessageBody, replyToID string, at time.Time) (Message, error) {
	if body == nil {
		return Message{}, fmt.Errorf("%w: nil body", ErrInvalidBody)
	}
	if err := body.validate(); err != nil {
		return Message{}, err
	}
	return Message{
		ID:        id,
		SenderID:  senderID,
		Body:      body,
		ReplyToID: replyToID,
		CreatedAt: at,
	}, nil
}

func (m *Message) Kind() MessageKind { return m.Body.Kind() }

// ReadByUser reports whether userID has a read marker on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, rm := range m.ReadBy {
		if rm.UserID == userID {
			return true
		}
	}
	return false
}

// messageWire is the flattened JSON shape shared by the realtime events, the
// REST responses and the persisted chat document: the body's fields are merged
// into the message object, which is what the marketplace clients consume.
type messageWire struct {
	ID        string       `json:"id"`
	SenderID  string       `json:"sender_id"`
	Kind      MessageKind  `json:"message_type"`
	Content   string       `json:"content,omitempty"`
	FileURL   string       `json:"file_url,omitempty"`
	FileName  string       `json:"file_name,omitempty"`
	FileSize  int64        `json:"file_size,omitempty"`
	Location  *GeoPoint    `json:"location,omitempty"`
	ReplyToID string       `json:"reply_to_id,omitempty"`
	ReadBy    []ReadMarker `json:"read_by,omitempty"`
	Edited    *EditRecord  `json:"edited,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Kind:      m.Body.Kind(),
		ReplyToID: m.ReplyToID,
		ReadBy:    m.ReadBy,
		Edited:    m.Edited,
		CreatedAt: m.CreatedAt,
	}
	switch b := m.Body.(type) {
	case TextBody:
		w.Content = b.Text
	case SystemBody:
		w.Content = b.Text
	case FileBody:
		w.FileURL = b.URL
		w.FileName = b.Name
		w.FileSize = b.Size
	case LocationBody:
		w.Location = &GeoPoint{Latitude: b.Latitude, Longitude: b.Longitude, Address: b.Address}
	default:
		return nil, fmt.Errorf("marshal message %s: unknown body %T", m.ID, m.Body)
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := bodyFromWire(&w)
	if err != nil {
		return fmt.Errorf("unmarshal message %s: %w", w.ID, err)
	}
	*m = Message{
		ID:        w.ID,
		SenderID:  w.SenderID,
		Body:      body,
		ReplyToID: w.ReplyToID,
		ReadBy:    w.ReadBy,
		Edited:    w.Edited,
		CreatedAt: w.CreatedAt,
	}
	return nil
}

func bodyFromWire(w *messageWire) (MessageBody, error) {
	switch w.Kind {
	case KindText, "":
		return TextBody{Text: w.Content}, nil
	case KindSystem:
		return SystemBody{Text: w.Content}, nil
	case KindImage, KindFile:
		return FileBody{FileKind: w.Kind, URL: w.FileURL, Name: w.FileName, Size: w.FileSize}, nil
	case KindLocation:
		if w.Location == nil {
			return nil, fmt.Errorf("%w: location message without coordinates", ErrInvalidBody)
		}
		return LocationBody{Latitude: w.Location.Latitude, Longitude: w.Location.Longitude, Address: w.Location.Address}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidBody, w.Kind)
	}
}
