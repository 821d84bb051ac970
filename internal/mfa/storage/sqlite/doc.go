// Package sqlite persists MFA challenges and credentials in a SQLite file.
//
// The challenge consume is a conditional UPDATE checked through RowsAffected,
// which keeps the one-shot guarantee even when several processes share the
// database file.
package sqlite
