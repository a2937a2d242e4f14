// ABOUTME: Order-preserving builders and readers for message content payloads.
// ABOUTME: Every payload is a JSON object whose first field is the "$type" discriminator.

package threadstate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Content discriminators.
const (
	TypeText           = "text"
	TypeFunctionCall   = "functionCall"
	TypeFunctionResult = "functionResult"
)

// Message roles as they appear in snapshots and the message log.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
)

var validRoles = map[string]bool{
	RoleUser:       true,
	RoleAssistant:  true,
	RoleToolCall:   true,
	RoleToolResult: true,
}

// ValidRole reports whether role is one of the known message roles.
func ValidRole(role string) bool {
	return validRoles[role]
}

// Content is the parsed form of a content payload.
type Content struct {
	Type      string
	Text      string
	Refusal   bool
	CallID    string
	Name      string
	Arguments json.RawMessage
	Result    string
}

// objectWriter writes a JSON object one field at a time in call order.
type objectWriter struct {
	buf    bytes.Buffer
	fields int
}

func newObjectWriter() *objectWriter {
	w := &objectWriter{}
	w.buf.WriteByte('{')
	return w
}

func (w *objectWriter) key(name string) {
	if w.fields > 0 {
		w.buf.WriteByte(',')
	}
	w.fields++
	writeJSONString(&w.buf, name)
	w.buf.WriteByte(':')
}

func (w *objectWriter) str(name, value string) {
	w.key(name)
	writeJSONString(&w.buf, value)
}

func (w *objectWriter) raw(name string, value []byte) {
	w.key(name)
	w.buf.Write(value)
}

func (w *objectWriter) bytes() []byte {
	w.buf.WriteByte('}')
	return w.buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// json.Marshal on a string cannot fail
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// TextContent builds {"$type":"text","text":...}.
func TextContent(text string) json.RawMessage {
	w := newObjectWriter()
	w.str("$type", TypeText)
	w.str("text", text)
	return w.bytes()
}

// RefusalContent builds a text payload flagged as a synthetic refusal.
func RefusalContent(text string) json.RawMessage {
	w := newObjectWriter()
	w.str("$type", TypeText)
	w.str("text", text)
	w.raw("refusal", []byte("true"))
	return w.bytes()
}

// ToolCallContent builds a functionCall payload. Arguments that are not valid
// JSON are stored as an empty object.
func ToolCallContent(callID, name string, args []byte) json.RawMessage {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || !json.Valid(args) {
		args = []byte("{}")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, args); err == nil {
		args = compact.Bytes()
	}

	w := newObjectWriter()
	w.str("$type", TypeFunctionCall)
	w.str("callId", callID)
	w.str("name", name)
	w.raw("arguments", args)
	return w.bytes()
}

// ToolResultContent builds a functionResult payload.
func ToolResultContent(callID, result string) json.RawMessage {
	w := newObjectWriter()
	w.str("$type", TypeFunctionResult)
	w.str("callId", callID)
	w.str("result", result)
	return w.bytes()
}

// Discriminator returns the value of the first field of a content payload
// when that field is "$type" and holds a string.
func Discriminator(content []byte) (string, bool) {
	doc := gjson.ParseBytes(content)
	if !doc.IsObject() {
		return "", false
	}

	var (
		value string
		ok    bool
	)
	doc.ForEach(func(key, val gjson.Result) bool {
		if key.String() == "$type" && val.Type == gjson.String {
			value, ok = val.String(), true
		}
		return false
	})
	return value, ok
}

// FirstText returns the first string field named "text" in document order,
// searching nested objects and arrays depth first.
func FirstText(content []byte) (string, bool) {
	if !gjson.ValidBytes(content) {
		return "", false
	}
	return firstText(gjson.ParseBytes(content))
}

func firstText(v gjson.Result) (string, bool) {
	var (
		out   string
		found bool
	)
	v.ForEach(func(key, val gjson.Result) bool {
		if v.IsObject() && key.String() == "text" && val.Type == gjson.String {
			out, found = val.String(), true
			return false
		}
		if val.IsObject() || val.IsArray() {
			if s, ok := firstText(val); ok {
				out, found = s, true
				return false
			}
		}
		return true
	})
	return out, found
}

// ParseContent reads a content payload produced by the builders above.
func ParseContent(content []byte) (Content, error) {
	typ, ok := Discriminator(content)
	if !ok {
		return Content{}, fmt.Errorf("content payload missing leading $type")
	}

	doc := gjson.ParseBytes(content)
	c := Content{Type: typ}
	switch typ {
	case TypeText:
		c.Text = doc.Get("text").String()
		c.Refusal = doc.Get("refusal").Bool()
	case TypeFunctionCall:
		c.CallID = doc.Get("callId").String()
		c.Name = doc.Get("name").String()
		if args := doc.Get("arguments"); args.Exists() {
			c.Arguments = json.RawMessage(args.Raw)
		} else {
			c.Arguments = json.RawMessage("{}")
		}
	case TypeFunctionResult:
		c.CallID = doc.Get("callId").String()
		c.Result = doc.Get("result").String()
	default:
		// Unknown payload types still expose any text they carry.
		c.Text, _ = FirstText(content)
	}
	return c, nil
}
