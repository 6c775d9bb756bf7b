// Package dialect holds the few SQL differences between SQLite and PostgreSQL.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BlobType returns the column type for binary payloads.
func BlobType(driver string) string {
	if IsPostgres(driver) {
		return "BYTEA"
	}
	return "BLOB"
}

// TimestampType returns the column type for timestamps.
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}
