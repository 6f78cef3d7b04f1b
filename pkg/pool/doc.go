// Package pool provides reusable buffers and hashing contexts for the
// packet path.
//
// Pools exist only to reduce allocation pressure; nothing depends on a
// value being reused. Every Get must be paired with a Put, normally with
// defer so that error paths release as well. InUse counters make leaks
// visible in tests.
package pool
