// Package storage provides the read-only directory used by the dispatch pipeline.
//
// It holds recipients, courses, lessons and enrollments. Backends:
//   - memory (tests, dry runs)
//   - file (JSON/YAML snapshot, reloaded on change)
//   - sqlite (modernc.org/sqlite)
package storage
