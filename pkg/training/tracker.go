// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunInfo describes a training run in the tracker.
type RunInfo struct {
	RunID      string
	Backbone   string
	Optimizer  string
	Scheduler  string
	ConfigYAML string
}

// SQLiteTracker is a Sink that stores the history of the training runs in a SQLite database:
// one row per run in table "runs" and one row per epoch in table "epochs".
//
// The schema is created and upgraded with the embedded migrations.
type SQLiteTracker struct {
	db    *sql.DB
	runID string
}

var _ Sink = (*SQLiteTracker)(nil)

// OpenTracker opens (or creates) the database at path, migrates it to the latest schema and registers the run.
// Resuming a run with the same RunID keeps its previous rows.
func OpenTracker(path string, info RunInfo) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracker database %q", path)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "tracker database %q", path)
	}
	_, err = db.Exec(`INSERT OR IGNORE INTO runs (run_id, backbone, optimizer, scheduler, config_yaml) VALUES (?, ?, ?, ?, ?)`,
		info.RunID, info.Backbone, info.Optimizer, info.Scheduler, info.ConfigYAML)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to register run %s in %q", info.RunID, path)
	}
	klog.V(1).Infof("tracking run %s in %q", info.RunID, path)
	return &SQLiteTracker{db: db, runID: info.RunID}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to read embedded migrations")
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create sqlite migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}
	// m is not closed: it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migration up failed")
	}
	return nil
}

// Record implements Sink. Records of an epoch already stored (when resuming) are replaced.
func (t *SQLiteTracker) Record(_ *History, rec EpochRecord) error {
	_, err := t.db.Exec(`INSERT OR REPLACE INTO epochs
		(run_id, epoch, train_loss, train_accuracy, val_loss, val_accuracy, lr, precision, skipped, steps, best, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.runID, rec.Epoch, rec.Train.Loss, rec.Train.Accuracy, rec.Val.Loss, rec.Val.Accuracy, rec.LR,
		rec.Precision, rec.Skipped, rec.Steps, rec.Best, rec.DurationSec)
	if err != nil {
		return errors.Wrapf(err, "failed to record epoch %d of run %s", rec.Epoch, t.runID)
	}
	return nil
}

// Finish records the outcome of the run.
func (t *SQLiteTracker) Finish(report *Report) error {
	_, err := t.db.Exec(`UPDATE runs SET stop_reason = ?, best_epoch = ?, best_metric = ? WHERE run_id = ?`,
		report.StopReason.String(), report.BestEpoch, report.BestMetric, t.runID)
	return errors.Wrapf(err, "failed to record the end of run %s", t.runID)
}

// Epochs returns the records stored for the run, in epoch order.
func (t *SQLiteTracker) Epochs(runID string) ([]EpochRecord, error) {
	rows, err := t.db.Query(`SELECT epoch, train_loss, train_accuracy, val_loss, val_accuracy, lr, precision, skipped, steps, best, duration_sec
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query epochs of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var records []EpochRecord
	for rows.Next() {
		var rec EpochRecord
		err := rows.Scan(&rec.Epoch, &rec.Train.Loss, &rec.Train.Accuracy, &rec.Val.Loss, &rec.Val.Accuracy, &rec.LR,
			&rec.Precision, &rec.Skipped, &rec.Steps, &rec.Best, &rec.DurationSec)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read epochs of run %s", runID)
		}
		records = append(records, rec)
	}
	return records, errors.WithStack(rows.Err())
}

// Close implements Sink.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
