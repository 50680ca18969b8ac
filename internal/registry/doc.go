// Package registry holds the in-memory, authoritative status of every
// conversation the switchboard has touched.
//
// Each conversation id owns a cell with its own mutex. Every mutation on a
// conversation runs its read-validate-write inside that cell lock, so
// concurrent pause/resume/takeover requests on one id are applied one at a
// time in lock acquisition order. Cells for different ids never share a lock.
//
// Records are loaded lazily from the storage collaborator on first access:
//
//	reg := registry.New(store, logger)
//	status, err := reg.GetStatus(ctx, id)
//
// CompareAndSet is the only way to change a status. Its commit hook runs
// under the cell lock, which is where callers persist the change and enqueue
// the resulting event so events for one conversation are emitted in the
// order their changes were applied.
package registry
