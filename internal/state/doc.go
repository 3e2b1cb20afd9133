// Package state is the single access point for the records the host persists
// about the repositories it has discovered and the avatars it has cached.
//
// Records live in two key/value namespaces:
//   - workspace: repoStates, ignoredRepos, lastActiveRepo
//   - global: lastKnownGitPath, avatarCache
//
// Repository records are normalized against the current default schema on
// every read, one entry at a time, so records written by older versions gain
// new fields without a migration. Avatar images live on disk under the global
// storage directory and are managed by the cache package; the index of cached
// avatars is kept in the global namespace and is written even while the blob
// directory is still being provisioned.
package state
