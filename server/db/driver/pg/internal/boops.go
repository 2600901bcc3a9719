// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

const (
	// CreateMetaTable creates a table to hold store metadata. This query has
	// a %s specifier for the table name so it can work with createTable.
	CreateMetaTable = `CREATE TABLE IF NOT EXISTS %s (
		schema_version INT4 DEFAULT 0
	);`

	// CreateMetaRow creates the single row of the meta table.
	CreateMetaRow = "INSERT INTO meta DEFAULT VALUES;"

	SelectDBVersion = `SELECT schema_version FROM meta;`

	SetDBVersion = `UPDATE meta SET schema_version = $1;`

	// CreateBoopsTable holds encoded boops keyed by boop hash.
	CreateBoopsTable = `CREATE TABLE IF NOT EXISTS %s (
		boop_hash BYTEA PRIMARY KEY,
		account BYTEA NOT NULL,
		encoded BYTEA NOT NULL,
		stamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

	// CreateReceiptsTable holds JSON receipts keyed by boop hash. Rows are
	// never updated.
	CreateReceiptsTable = `CREATE TABLE IF NOT EXISTS %s (
		boop_hash BYTEA PRIMARY KEY,
		status TEXT NOT NULL,
		tx_hash BYTEA,
		receipt BYTEA NOT NULL,
		stamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

	IndexReceiptsOnTxHash = `CREATE INDEX IF NOT EXISTS receipts_tx_hash_idx ON receipts (tx_hash);`

	UpsertBoop = `INSERT INTO boops (boop_hash, account, encoded)
		VALUES ($1, $2, $3)
		ON CONFLICT (boop_hash) DO UPDATE SET encoded = $3;`

	SelectBoop = `SELECT encoded FROM boops WHERE boop_hash = $1;`

	// InsertReceipt leaves an existing receipt untouched. Zero affected rows
	// means a receipt was already stored.
	InsertReceipt = `INSERT INTO receipts (boop_hash, status, tx_hash, receipt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (boop_hash) DO NOTHING;`

	SelectReceipt = `SELECT receipt FROM receipts WHERE boop_hash = $1;`
)
