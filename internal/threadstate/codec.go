// ABOUTME: Codec for the opaque thread state token exchanged with clients.
// ABOUTME: Decode sniffs pointer vs snapshot and returns a tagged Resolved value.

package threadstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// SnapshotType is the discriminator of an encoded snapshot.
	SnapshotType = "ThreadSnapshot"

	snapshotVersion = 1
	sealField       = "seal"
)

// Kind tags a Resolved reference.
type Kind int

const (
	KindEmpty Kind = iota
	KindPointer
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindPointer:
		return "pointer"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one message embedded in a snapshot.
type Entry struct {
	Role    string
	Content json.RawMessage
}

// Snapshot is the full working state of a thread.
type Snapshot struct {
	ThreadID string
	Messages []Entry
}

// Resolved is the result of decoding a reference.
// ThreadID is set for pointers and for snapshots that name their thread.
// Snapshot is set only for KindSnapshot.
type Resolved struct {
	Kind     Kind
	ThreadID string
	Snapshot *Snapshot
}

// DecodeError reports a malformed inbound reference.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode thread reference: %s: %v", e.Reason, e.Err)
	}
	return "decode thread reference: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// Codec encodes snapshots and decodes client references.
type Codec struct {
	sealer *sealer
}

// NewCodec creates a codec. A non-empty secret enables sealing.
func NewCodec(secret string) (*Codec, error) {
	c := &Codec{}
	if secret != "" {
		s, err := newSealer(secret)
		if err != nil {
			return nil, fmt.Errorf("creating sealer: %w", err)
		}
		c.sealer = s
	}
	return c, nil
}

// Sealed reports whether the codec signs and verifies snapshots.
func (c *Codec) Sealed() bool {
	return c.sealer != nil
}

// Encode writes a snapshot with "$type" as its first field. Message content is
// copied without reordering; each payload must itself lead with "$type".
func (c *Codec) Encode(s Snapshot) ([]byte, error) {
	w := newObjectWriter()
	w.str("$type", SnapshotType)
	w.raw("version", []byte(fmt.Sprint(snapshotVersion)))
	if s.ThreadID != "" {
		w.str("threadId", s.ThreadID)
	}

	var msgs bytes.Buffer
	msgs.WriteByte('[')
	for i, e := range s.Messages {
		if !ValidRole(e.Role) {
			return nil, fmt.Errorf("message %d: unknown role %q", i, e.Role)
		}
		if _, ok := Discriminator(e.Content); !ok {
			return nil, fmt.Errorf("message %d: content must be an object led by $type", i)
		}
		var content bytes.Buffer
		if err := json.Compact(&content, e.Content); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}

		if i > 0 {
			msgs.WriteByte(',')
		}
		m := newObjectWriter()
		m.str("role", e.Role)
		m.raw("content", content.Bytes())
		msgs.Write(m.bytes())
	}
	msgs.WriteByte(']')
	w.raw("messages", msgs.Bytes())

	doc := w.bytes()
	if c.sealer == nil {
		return doc, nil
	}

	seal, err := c.sealer.sign(doc)
	if err != nil {
		return nil, fmt.Errorf("sealing snapshot: %w", err)
	}
	sealed, err := sjson.SetBytes(doc, sealField, seal)
	if err != nil {
		return nil, fmt.Errorf("sealing snapshot: %w", err)
	}
	return sealed, nil
}

// EncodeString is Encode returning a string.
func (c *Codec) EncodeString(s Snapshot) (string, error) {
	b, err := c.Encode(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode resolves a client reference. Empty and "null" references resolve to
// KindEmpty; a JSON object is a snapshot; anything else must be a pointer.
func (c *Codec) Decode(reference string) (Resolved, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" || ref == "null" {
		return Resolved{Kind: KindEmpty}, nil
	}

	switch ref[0] {
	case '{':
		return c.decodeSnapshot([]byte(ref))
	case '"':
		// A pointer that was JSON-quoted by the client.
		if !gjson.Valid(ref) {
			return Resolved{}, decodeErr("unterminated quoted pointer", nil)
		}
		return decodePointer(gjson.Parse(ref).String())
	case '[':
		return Resolved{}, decodeErr("reference must be a pointer or a snapshot object", nil)
	default:
		return decodePointer(ref)
	}
}

func decodePointer(ref string) (Resolved, error) {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return Resolved{}, decodeErr("invalid thread pointer", err)
	}
	return Resolved{Kind: KindPointer, ThreadID: id.String()}, nil
}

func (c *Codec) decodeSnapshot(doc []byte) (Resolved, error) {
	if !gjson.ValidBytes(doc) {
		return Resolved{}, decodeErr("snapshot is not valid JSON", nil)
	}

	typ, ok := Discriminator(doc)
	if !ok {
		return Resolved{}, decodeErr("snapshot must lead with $type", nil)
	}
	if typ != SnapshotType {
		return Resolved{}, decodeErr(fmt.Sprintf("unexpected snapshot type %q", typ), nil)
	}

	if c.sealer != nil {
		body, err := c.unseal(doc)
		if err != nil {
			return Resolved{}, err
		}
		doc = body
	}

	parsed := gjson.ParseBytes(doc)
	if v := parsed.Get("version"); v.Exists() && v.Int() != snapshotVersion {
		return Resolved{}, decodeErr(fmt.Sprintf("unsupported snapshot version %d", v.Int()), nil)
	}

	snap := &Snapshot{}
	if tid := parsed.Get("threadId"); tid.Exists() {
		id, err := uuid.Parse(tid.String())
		if err != nil {
			return Resolved{}, decodeErr("invalid snapshot threadId", err)
		}
		snap.ThreadID = id.String()
	}

	msgs := parsed.Get("messages")
	if !msgs.IsArray() {
		return Resolved{}, decodeErr("snapshot messages must be an array", nil)
	}

	var decodeFailure error
	msgs.ForEach(func(_, m gjson.Result) bool {
		idx := len(snap.Messages)
		if !m.IsObject() {
			decodeFailure = decodeErr(fmt.Sprintf("message %d is not an object", idx), nil)
			return false
		}
		role := m.Get("role").String()
		if !ValidRole(role) {
			decodeFailure = decodeErr(fmt.Sprintf("message %d has unknown role %q", idx, role), nil)
			return false
		}
		content := m.Get("content")
		if _, ok := Discriminator([]byte(content.Raw)); !ok {
			decodeFailure = decodeErr(fmt.Sprintf("message %d content must lead with $type", idx), nil)
			return false
		}
		snap.Messages = append(snap.Messages, Entry{
			Role:    role,
			Content: json.RawMessage(content.Raw),
		})
		return true
	})
	if decodeFailure != nil {
		return Resolved{}, decodeFailure
	}

	return Resolved{Kind: KindSnapshot, ThreadID: snap.ThreadID, Snapshot: snap}, nil
}

func (c *Codec) unseal(doc []byte) ([]byte, error) {
	seal := gjson.GetBytes(doc, sealField)
	if !seal.Exists() || seal.Type != gjson.String {
		return nil, decodeErr("snapshot is not sealed", nil)
	}
	body, err := sjson.DeleteBytes(doc, sealField)
	if err != nil {
		return nil, decodeErr("stripping seal", err)
	}
	if err := c.sealer.verify(body, seal.String()); err != nil {
		if errors.Is(err, errBadSeal) {
			return nil, decodeErr("snapshot seal mismatch", nil)
		}
		return nil, decodeErr("verifying seal", err)
	}
	return body, nil
}
