// Package session tracks Claude CLI sessions across bot restarts.
//
// The Store keeps the active session per chat and a bounded most-recent-first
// history, persisted as pretty-printed JSON so the file stays hand-editable.
// Sessions can be looked up by a short unique session ID prefix for resuming.
//
// The Browser lists sessions the Claude CLI itself recorded under
// ~/.claude/projects, extracting a topic line from each transcript. Listings
// are cached and invalidated through an fsnotify watcher so repeated /sessions
// commands don't re-read every transcript.
package session
