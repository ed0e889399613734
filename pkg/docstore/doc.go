// Package docstore provides versioned, multilingual, access-controlled
// document storage over a pluggable graph backend.
//
// A document has a unique name, untranslatable attributes and one
// translation per language. Each translation carries translatable attributes
// and an append-only history of content revisions with a single CURRENT
// pointer. Users are granted access through ALLOWED edges. Backends for
// memory, PostgreSQL and SurrealDB live under graph/, optional revision
// payload blob stores under storage/.
//
// Saving is not transactional. Two writers saving the same translation at
// once can both compute the same next version; Document.Verify detects the
// result and Document.Repair restores the current pointer.
//
// The snapshot subpackage expresses the same model over a collection
// backend: immutable snapshots with an active flag and group permissions.
package docstore
