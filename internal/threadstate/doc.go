// Package threadstate encodes and decodes the opaque conversation state token
// returned to clients at the end of every turn.
//
// # References
//
// A client resumes a conversation by echoing one of two reference shapes:
//
//   - Pointer: a bare thread id (UUID). The caller must rehydrate history
//     from the message store.
//   - Snapshot: a JSON object embedding the full turn history. It is used
//     as-is and never re-read from storage.
//
// Decode sniffs the shape once and returns a tagged Resolved value. An empty
// reference resolves to KindEmpty (start a new thread). A malformed reference
// is always a *DecodeError, never KindEmpty.
//
// # Field Order
//
// Snapshot and message content payloads carry a "$type" discriminator that
// downstream decoders expect as the first field. Everything in this package
// writes JSON with explicit field order and copies embedded content bytes
// unchanged, so nothing here ever goes through map marshaling:
//
//	{"$type":"ThreadSnapshot","version":1,"threadId":"...","messages":[
//	  {"role":"user","content":{"$type":"text","text":"hi"}}
//	]}
//
// # Seal
//
// When the codec is built with a secret, Encode appends a final "seal" field
// holding an HMAC-SHA256 signature over the rest of the document. Decode strips
// and verifies it before trusting the embedded history.
package threadstate
