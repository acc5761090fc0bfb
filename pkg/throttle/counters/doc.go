// Package counters defines the counter store contract used by the
// throttling engine and provides the built-in backends: an in-process
// memory store, a Redis store, and a SQLite table store.
//
// A store owns counter expiry. Every increment carries a TTL and the
// backend must make expired counters disappear on its own; the engine
// never deletes a counter explicitly (Decrement is the only other
// mutation, and it exists solely for the semaphore algorithm).
package counters
