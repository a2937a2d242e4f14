// Package conversation provides the read and write sides of conversation
// handling.
//
// # Overview
//
// Service answers list, history and delete requests over a store.Store.
// Orchestrator drives one turn at a time: it resolves the client's thread
// reference, runs the model and its tools, streams protocol events, and
// persists the turn once the stream has ended.
//
// # Turns
//
//	turn, err := orch.Stream(ctx, conversation.TurnRequest{Message: msg, ThreadReference: ref})
//	for ev := range turn.Events() {
//		// forward to the client
//	}
//	outcome, err := turn.Wait()
//
// Errors from Stream are declined requests with no side effects:
// *threadstate.DecodeError, store.ErrNotFound, ErrThreadBusy and
// *ValidationError.
//
// A turn moves through these states:
//
//	idle -> reference_resolved -> (tool_calling -> tool_result)* -> text_streaming -> text_complete -> persisted -> done
//	any  -> content_filtered -> persisted -> done
//	any  -> transport_error -> done
//
// # Events
//
// Events arrive in generation order on a bounded channel. The producer blocks
// when the consumer falls behind and never drops an event.
//
//   - TEXT_MESSAGE_START, TEXT_MESSAGE_CONTENT, TEXT_MESSAGE_END
//   - TOOL_CALL_START, TOOL_CALL_RESULT
//   - CONTENT_FILTER: generic refusal text, never the provider's
//   - RUN_ERROR: generic failure text
//   - THREAD_STATE: the encoded state the client sends with its next turn
//
// # Persistence
//
// Message rows are written first, then the thread row. The thread row write
// is retried a bounded number of times. A failed thread row write leaves the
// rows in place and the counter short; the next successful turn repairs it.
//
// A content filtered turn stores the user message, the tool rounds that
// already ran, and a refusal, and leaves the title unset. A failed turn stores nothing. A turn whose client went away
// stores the user message and every completed text block and tool result.
// A snapshot without a thread id has its history written ahead of the first
// turn's rows.
//
// # Leases
//
// Only one turn may run per thread. A second turn or a delete on a busy thread
// fails with ErrThreadBusy.
package conversation
