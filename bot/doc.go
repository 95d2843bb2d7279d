// Package bot wires Telegram chats to Claude CLI processes. Each chat owns
// at most one live interactive process; messages stream into its stdin and
// the response streams back into a single placeholder message, edited in
// place as text and tool activity arrive.
//
// Commands cover session management (/new, /session, /sessions, /resume),
// settings (/mode, /fast, /persist, /interactive, /project) and turn control
// (/cancel). /perspectives and /investigate fan a prompt out across parallel
// one-shot runs.
package bot
