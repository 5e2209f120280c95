// Package storage persists the delivery journal: one record per send
// attempt, kept either as JSON Lines on disk or in SQLite.
package storage
