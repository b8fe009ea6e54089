// Package pipeline defines the core types shared across the signal pipeline:
// the durable job row that drives the stage state machine, the profile, post
// and message records the stages read and write, and the interfaces through
// which stages reach storage and external providers.
package pipeline
