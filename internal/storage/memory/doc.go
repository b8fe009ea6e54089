// Package memory provides in-memory stores for development and tests. They
// honor the same invariants as the Postgres stores: a single active job,
// version compare-and-swap on job writes, urn uniqueness for posts, one
// message per industry/signal pair and at-most-once delivery marks.
package memory
