// Package state persists per-chat settings: working directory, permission
// mode, and the session/interactive toggles. Writes are debounced so a burst
// of toggles results in one disk write; SaveNow flushes on shutdown.
//
// Live process handles and in-flight turn flags are deliberately not part of
// this package. They belong to the bot's runtime and never reach disk.
package state
