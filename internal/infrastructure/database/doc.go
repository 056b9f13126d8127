// Package database opens and migrates the SQLite store backing the
// orchestrator's durable state: device endpoints, slot mappings, the
// stock ledger, manufacturing jobs and their logs.
//
// The store runs in WAL mode so inventory reads proceed while the
// single writer appends ledger rows, with a busy timeout absorbing lock
// contention. All tables are STRICT and all queries parameterised; the
// database file is restricted to the owning user (0600).
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are embedded up/down SQL file pairs registered by the
// migrations package, applied in version order on startup. They are
// additive: new columns are nullable or defaulted, and nothing is
// dropped or renamed so an older binary can still read a newer file.
package database
