// Package database opens the relational session store (MySQL through
// go-sql-driver/mysql or PostgreSQL through pgx) and applies the embedded
// schema migrations for the selected dialect.
package database
