// Package testdb provides helpers for database integration tests.
//
// Each test opens the database named by DATABASE_URL (or SLIDEGEN_TEST_DB_URL),
// applies the schema migrations and runs inside a transaction that is rolled
// back when the test ends, so tests never see each other's rows:
//
//	func TestStore(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.SetupTestDatabaseSchema(t, db)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        store := postgres.NewPostgresTaskStore(tx, logger)
//	        // ...
//	    })
//	}
//
// Tests are skipped when no database URL is configured.
package testdb
