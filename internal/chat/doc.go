// Package chat defines the thread data model: threads keyed by their
// participant set, messages with an optional attachment, and per-emoji
// reactions. The mutation rules on these types are pure; storage backends
// apply them inside their own atomic read-modify-write step.
package chat
