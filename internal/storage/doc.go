// Package storage persists member snapshots between runs so broadcasts and
// the /status command can work from the last known member set without
// re-enumerating the whole community.
package storage
