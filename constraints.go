package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const fkSavepoint = "dbconvert_fk"

// applyForeignKeys adds every foreign key of every bundle to the target.
// Failures are isolated per constraint and returned as warnings.
func applyForeignKeys(ctx context.Context, tx *sql.Tx, bundles []Bundle) []ConstraintWarning {
	var warnings []ConstraintWarning
	for _, b := range bundles {
		for _, fk := range b.Schema.ForeignKeys {
			name := foreignKeyName(b.Schema.Name, fk)
			if err := addForeignKey(ctx, tx, b.Schema.Name, name, fk); err != nil {
				warnings = append(warnings, ConstraintWarning{
					Table:      b.Schema.Name,
					Constraint: name,
					Err:        err,
				})
			}
		}
	}
	return warnings
}

// addForeignKey rebuilds table with the constraint appended. All work happens
// inside a savepoint that is rolled back on any error.
func addForeignKey(ctx context.Context, tx *sql.Tx, table, name string, fk ForeignKeyDescriptor) (err error) {
	if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
		return fmt.Errorf("column count mismatch: %d constrained, %d referenced", len(fk.Columns), len(fk.RefColumns))
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+fkSavepoint); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+fkSavepoint); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE "+fkSavepoint); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err := requireColumns(ctx, tx, table, fk.Columns); err != nil {
		return err
	}
	if err := requireColumns(ctx, tx, fk.RefTable, fk.RefColumns); err != nil {
		return err
	}

	existing, err := targetForeignKeys(ctx, tx, table)
	if err != nil {
		return fmt.Errorf("list foreign keys of %s: %w", table, err)
	}
	for _, e := range existing {
		if sameForeignKey(e, fk) {
			return nil
		}
	}

	ddl, err := tableDDL(ctx, tx, table)
	if err != nil {
		return err
	}
	body, options, err := splitCreateTable(ddl)
	if err != nil {
		return err
	}
	extras, err := tableExtras(ctx, tx, table)
	if err != nil {
		return fmt.Errorf("list indexes of %s: %w", table, err)
	}

	tmp := "__dbconvert_" + table
	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (\n  %s,\n  %s\n)%s", sqliteIdent(tmp), body, foreignKeyClause(name, fk), options),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", sqliteIdent(tmp), sqliteIdent(table)),
		fmt.Sprintf("DROP TABLE %s", sqliteIdent(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", sqliteIdent(tmp), sqliteIdent(table)),
	}
	stmts = append(stmts, extras...)

	// Views over the table would fail the rename check while the original
	// is dropped; they resolve again once the rebuilt table takes its name.
	if _, err := tx.ExecContext(ctx, "PRAGMA legacy_alter_table = ON"); err != nil {
		return err
	}
	defer func() {
		if _, offErr := tx.ExecContext(ctx, "PRAGMA legacy_alter_table = OFF"); offErr != nil && err == nil {
			err = offErr
		}
	}()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// requireColumns fails unless the table exists in the target and has every
// named column.
func requireColumns(ctx context.Context, q queryer, table string, cols []string) error {
	have, err := targetColumns(ctx, q, table)
	if err != nil {
		return fmt.Errorf("describe %s: %w", table, err)
	}
	if len(have) == 0 {
		return fmt.Errorf("table %s does not exist in target", table)
	}
	for _, c := range cols {
		if !containsFold(have, c) {
			return fmt.Errorf("column %s.%s does not exist in target", table, c)
		}
	}
	return nil
}

// targetColumns lists the column names of a target table; empty when the
// table does not exist.
func targetColumns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqliteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// targetForeignKeys reads the foreign keys declared on a target table.
func targetForeignKeys(ctx context.Context, q queryer, table string) ([]ForeignKeyDescriptor, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", sqliteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fkMap := make(map[int]*ForeignKeyDescriptor)
	var fkOrder []int

	for rows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}

		fk, ok := fkMap[id]
		if !ok {
			fk = &ForeignKeyDescriptor{RefTable: refTable}
			fkMap[id] = fk
			fkOrder = append(fkOrder, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]ForeignKeyDescriptor, 0, len(fkOrder))
	for _, id := range fkOrder {
		fks = append(fks, *fkMap[id])
	}
	return fks, nil
}

// tableDDL returns the CREATE TABLE statement SQLite stored for table.
func tableDDL(ctx context.Context, q queryer, table string) (string, error) {
	ddl, err := collectStringRows(ctx, q, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return "", fmt.Errorf("read definition of %s: %w", table, err)
	}
	if len(ddl) == 0 {
		return "", fmt.Errorf("table %s does not exist in target", table)
	}
	return ddl[0], nil
}

// tableExtras returns the stored statements of explicit indexes and triggers
// on table. Automatic indexes have no stored SQL and are rebuilt by SQLite.
func tableExtras(ctx context.Context, q queryer, table string) ([]string, error) {
	return collectStringRows(ctx, q,
		"SELECT sql FROM sqlite_master WHERE type IN ('index', 'trigger') AND tbl_name = ? AND sql IS NOT NULL ORDER BY type, name",
		table)
}

func sameForeignKey(a, b ForeignKeyDescriptor) bool {
	if !strings.EqualFold(a.RefTable, b.RefTable) ||
		len(a.Columns) != len(b.Columns) || len(a.RefColumns) != len(b.RefColumns) {
		return false
	}
	for i := range a.Columns {
		if !strings.EqualFold(a.Columns[i], b.Columns[i]) || !strings.EqualFold(a.RefColumns[i], b.RefColumns[i]) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
