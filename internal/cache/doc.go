// Package cache owns the on-disk avatar blob directory
// <GlobalStoragePath>/avatars. The directory is provisioned lazily in the
// background when the store is constructed; until provisioning proves the
// directory usable every blob write is refused with ErrStoreUnavailable so
// callers can skip the disk and still record index metadata. Clearing the
// cache issues one independent deletion per file and reports the outcome
// through a Sweep. All filesystem access goes through go-billy so tests can
// run against memfs.
package cache
