/*
Package template copies versioned template trees and shared scripts into
cluster root directories.

Copies preserve relative structure and normalize permissions: directories
get owner/group-rwx other-rx, files get owner/group-rw other-r. All side
effects are crash-safe at per-file granularity; no atomic rename is
performed.
*/
package template
