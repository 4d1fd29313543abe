// Package table records finished requests for later inspection.
//
// Two implementations are provided: an in-memory table that lives for the
// duration of a run, and a SQLite table that persists every run to disk.
// Both flatten an engine.Request into a Record when it is added.
package table
