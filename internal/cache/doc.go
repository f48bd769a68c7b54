// Package cache defines the disk-backed, size-bounded content store that keeps
// fetched media bytes on the device. Logical keys are hashed into flat payload
// files, each paired with a "<hash>.meta" sidecar holding access times and the
// content type. Writes are atomic (temp file + rename for both files) and a
// single coarse lock serialises the "scan + evict + write" path so the byte
// budget holds after every Put. Reads stay lock-free; eviction order falls back
// to file modification times whenever a sidecar is missing or unreadable.
package cache
