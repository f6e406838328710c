// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resdb archives mux-scan measurements in the lab results
// database.
package resdb // import "github.com/go-itk/pixmux/resdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/go-itk/pixmux/report"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to archive and retrieve mux
// measurements from the results database.
type DB struct {
	db   *sql.DB
	name string // name of the results database
}

// Open opens a connection to the results database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("resdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("resdb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("resdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// InsertMeasurement archives one report row.
func (db *DB) InsertMeasurement(ctx context.Context, row report.Row) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`
INSERT INTO measurements
	(module, chip, chipnum, regtype, regvalue, regname, taken, grafana, calibrated)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		row.Module, row.Chip, row.ChipNum,
		row.RegType, row.RegValue, row.RegName,
		row.Timestamp.Format(report.TimeFormat),
		fval(row.Grafana), fval(row.Calibrated),
	)
	if err != nil {
		return fmt.Errorf("resdb: could not insert measurement: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resdb: context error while inserting measurement: %w", err)
	}

	return nil
}

// Measurements retrieves the archived rows of the given module, in
// acquisition order.
func (db *DB) Measurements(ctx context.Context, module string) ([]report.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var res []report.Row
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT module, chip, chipnum, regtype, regvalue, regname, taken, grafana, calibrated
FROM measurements WHERE module=? ORDER BY taken
`,
		module,
	)
	if err != nil {
		return res, fmt.Errorf("resdb: could not query measurements: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		var (
			row   report.Row
			taken string
			graf  sql.NullFloat64
			cal   sql.NullFloat64
		)
		err = rows.Scan(
			&row.Module, &row.Chip, &row.ChipNum,
			&row.RegType, &row.RegValue, &row.RegName,
			&taken, &graf, &cal,
		)
		if err != nil {
			return res, fmt.Errorf("resdb: could not scan row %d of measurements: %w", i, err)
		}
		i++

		row.Timestamp, err = time.Parse(report.TimeFormat, taken)
		if err != nil {
			return res, fmt.Errorf("resdb: could not parse timestamp %q: %w", taken, err)
		}
		if graf.Valid {
			v := graf.Float64
			row.Grafana = &v
		}
		if cal.Valid {
			v := cal.Float64
			row.Calibrated = &v
		}
		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("resdb: could not scan db for measurements: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("resdb: context error while retrieving measurements: %w", err)
	}

	return res, nil
}

func fval(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
