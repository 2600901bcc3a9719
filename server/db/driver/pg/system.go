// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Start the PostgreSQL sql driver
)

const publicSchema = "public"

// connectionString builds the lib/pq connection string. The host may be an
// IP address for a TCP connection or an absolute path to a UNIX domain
// socket.
func connectionString(host, port, user, pass, dbName string) string {
	var psqlInfo string
	if pass == "" {
		psqlInfo = fmt.Sprintf("host=%s user=%s "+
			"dbname=%s sslmode=disable",
			host, user, dbName)
	} else {
		psqlInfo = fmt.Sprintf("host=%s user=%s "+
			"password=%s dbname=%s sslmode=disable",
			host, user, pass, dbName)
	}

	// Only add port for a TCP connection since UNIX domain sockets (specified
	// by a "/" prefix) do not have a port.
	if !strings.HasPrefix(host, "/") && port != "" {
		psqlInfo += fmt.Sprintf(" port=%s", port)
	}
	return psqlInfo
}

// connect opens a connection to a PostgreSQL database. The caller is
// responsible for calling Close() on the returned db when finished using it.
func connect(host, port, user, pass, dbName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString(host, port, user, pass, dbName))
	if err != nil {
		return nil, err
	}

	// Establish a connection and verify it is alive.
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// sqlExecutor is implemented by both sql.DB and sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlExec executes the SQL statement string with any optional arguments, and
// returns the number of rows affected.
func sqlExec(ctx context.Context, db sqlExecutor, stmt string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, nil
	}

	var N int64
	N, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf(`error in RowsAffected: %v`, err)
	}
	return N, err
}

// namespacedTableExists checks if the specified table exists.
func namespacedTableExists(db *sql.DB, schema, tableName string) (bool, error) {
	rows, err := db.Query(`SELECT 1
		FROM   pg_tables
		WHERE  schemaname = $1
		AND    tablename = $2;`,
		schema, tableName)
	if err != nil {
		return false, err
	}

	defer func() {
		if e := rows.Close(); e != nil {
			log.Errorf("Close of Query failed: %v", e)
		}
	}()
	return rows.Next(), nil
}

// createTable creates a table with the given name using the provided SQL
// statement, if it does not already exist.
func createTable(db *sql.DB, fmtStmt, schema, tableName string) (bool, error) {
	exists, err := namespacedTableExists(db, schema, tableName)
	if err != nil {
		return false, err
	}

	nameSpacedTable := schema + "." + tableName
	if exists {
		log.Tracef(`Table "%s" exists.`, nameSpacedTable)
		return false, nil
	}
	log.Infof(`Creating the "%s" table.`, nameSpacedTable)
	if _, err = db.Exec(fmt.Sprintf(fmtStmt, nameSpacedTable)); err != nil {
		return false, err
	}
	return true, nil
}

func retrievePGVersion(db *sql.DB) (ver string, err error) {
	err = db.QueryRow(`SELECT version();`).Scan(&ver)
	return
}

func checkCurrentTimeZone(db *sql.DB) (currentTZ string, err error) {
	err = db.QueryRow(`SHOW TIME ZONE;`).Scan(&currentTZ)
	return
}
