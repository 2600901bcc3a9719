// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"

	"github.com/happychain/boopd/server/db/driver/pg/internal"
)

const (
	metaTableName     = "meta"
	boopsTableName    = "boops"
	receiptsTableName = "receipts"

	dbVersion = 1
)

type tableStmt struct {
	name string
	stmt string
}

var createPublicTableStatements = []tableStmt{
	{metaTableName, internal.CreateMetaTable},
	{boopsTableName, internal.CreateBoopsTable},
	{receiptsTableName, internal.CreateReceiptsTable},
}

// prepareTables creates any missing tables and checks the schema version.
func prepareTables(db *sql.DB) error {
	for _, c := range createPublicTableStatements {
		created, err := createTable(db, c.stmt, publicSchema, c.name)
		if err != nil {
			return fmt.Errorf("error creating %s table: %w", c.name, err)
		}
		if created && c.name == metaTableName {
			if _, err = db.Exec(internal.CreateMetaRow); err != nil {
				return fmt.Errorf("error creating meta row: %w", err)
			}
			if _, err = db.Exec(internal.SetDBVersion, dbVersion); err != nil {
				return fmt.Errorf("error setting schema version: %w", err)
			}
		}
	}
	if _, err := db.Exec(internal.IndexReceiptsOnTxHash); err != nil {
		return fmt.Errorf("error creating receipts index: %w", err)
	}

	var ver int
	if err := db.QueryRow(internal.SelectDBVersion).Scan(&ver); err != nil {
		return fmt.Errorf("error reading schema version: %w", err)
	}
	if ver != dbVersion {
		return fmt.Errorf("unsupported schema version %d, expected %d", ver, dbVersion)
	}
	return nil
}
