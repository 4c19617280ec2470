// Package dispatch forwards FHIR bundles to the data lake and tracks each
// submission as a session.
//
// Dispatch validates the payload, resolves the target endpoint, moves the
// session through STARTED and ASYNC_IN_PROGRESS, and returns an Ack before
// the outbound POST completes. The request runs on its own goroutine under a
// timeout derived from the dispatcher's lifetime context; its result lands
// in the session store (FINISHED or ASYNC_FAILED plus a diagnostic message)
// and on Ack.Done.
//
// Lifecycle:
//
//	NOT_STARTED -> STARTED -> ASYNC_IN_PROGRESS -> FINISHED
//	                                           \-> ASYNC_FAILED
//
// Failures after the Ack are never returned to the caller. They are only
// observable through the session store, the event hub, or Ack.Done.
//
// Each submission gets a freshly built http.Client and request, so
// concurrent dispatches to different override URLs share no mutable state.
package dispatch
