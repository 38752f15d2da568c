// Package mongo provides MongoDB-backed checkpoint storage. Use clients/mongo
// to build the low-level client and pass it to NewStore to obtain a
// checkpoint.Store that persists snapshot lineages per thread.
package mongo
