// Package mongo provides MongoDB-backed conversation memory. Use
// clients/mongo to build the low-level client and pass it to NewStore to
// obtain a components.MemoryStore that persists agent transcripts per
// thread.
package mongo
