// Package database provides the SQLite store behind the device registry.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Embedded schema migrations, applied in version order
//   - Health checks for the /health endpoint
//
// The bridge writes rarely (device records and firmware versions), so a
// single connection is used. A path of ":memory:" opens a private in-memory
// database, which the tests rely on.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
