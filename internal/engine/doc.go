// Package engine orchestrates sync cycles between the local store and the
// remote authority.
//
// A cycle runs phases strictly in order: eligibility check, uploads,
// authoritative metadata download, media download, finalize. Uploads always
// precede downloads so a download can never overwrite data underlying an
// unsent upload; the client's local state is made authoritative first.
//
// The engine enforces single-flight execution: at most one cycle runs at a
// time, and a sync request arriving while one is in progress is a silent
// no-op that does not reset progress. Within a phase, items are transferred
// by a small bounded worker pool, and one item's failure never aborts its
// siblings.
//
// Construction is explicit dependency injection: the engine is handed its
// store, queue, retry policy, transport, connectivity monitor, and
// notification sink. It owns none of them.
//
// State machine:
//
//	Idle -> Syncing -> {Success, PartialFailure, FatalError} -> Idle
//
// PartialFailure is a completed cycle with per-item failures left in the
// queue, not an error state. FatalError (authentication rejected, storage
// unavailable) aborts remaining phases immediately and is reported
// distinctly.
package engine
