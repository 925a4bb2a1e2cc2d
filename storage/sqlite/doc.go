// Package sqlite provides a SQL storage backend on the pure-Go modernc.org/sqlite
// driver. The schema is embedded and applied with golang-migrate on startup.
//
// Single-use operations are conditional updates (UPDATE ... WHERE used = 0)
// whose affected-row count decides the one winner; assertion ids use an
// upsert that only overwrites expired rows.
//
//	store, err := sqlite.New(sqlite.Config{Path: "/var/lib/oauth/oauth.db"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package sqlite
