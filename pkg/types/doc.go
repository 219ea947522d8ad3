// Package types defines the domain model shared by every component: the
// four resource kinds (VirtualRouter, VM, Snapshot, Backup), the Server
// a resource builds onto, and the canonical State enum that all of them
// share.
//
// These are plain data structs; none of them talk to the API or the
// network themselves. pkg/iaasapi reads and writes them, pkg/state
// validates transitions between their State fields, and pkg/worker
// drives them through a build/update/quiesce/restart/scrub cycle.
package types
