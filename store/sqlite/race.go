package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fpv-tools/racetimer/store"
)

// RaceDB implements store.RaceStore.
type RaceDB struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenRaceDB opens (or creates) the race database at path and applies the
// schema.
func OpenRaceDB(path string, log zerolog.Logger) (*RaceDB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	r := &RaceDB{db: db, log: log}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *RaceDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pilots (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			callsign  TEXT NOT NULL UNIQUE,
			name      TEXT NOT NULL DEFAULT '',
			phonetic  TEXT NOT NULL DEFAULT '',
			team_name TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *RaceDB) Close() error { return r.db.Close() }

const pilotColumns = `id, callsign, name, phonetic, team_name`

func scanPilot(scan func(...any) error) (*store.Pilot, error) {
	p := &store.Pilot{}
	if err := scan(&p.ID, &p.Callsign, &p.Name, &p.Phonetic, &p.TeamName); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *RaceDB) CreatePilot(ctx context.Context, pilot *store.Pilot) (*store.Pilot, error) {
	var created *store.Pilot
	err := withRetry(r.log, func() error {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO pilots (callsign, name, phonetic, team_name)
			VALUES (?, ?, ?, ?)
		`, pilot.Callsign, pilot.Name, pilot.Phonetic, pilot.TeamName)
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		created, err = r.pilotByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *RaceDB) UpdatePilot(ctx context.Context, pilot *store.Pilot) (*store.Pilot, error) {
	var updated *store.Pilot
	err := withRetry(r.log, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE pilots SET callsign = ?, name = ?, phonetic = ?, team_name = ?
			 WHERE id = ?
		`, pilot.Callsign, pilot.Name, pilot.Phonetic, pilot.TeamName, pilot.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		updated, err = r.pilotByID(ctx, pilot.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RaceDB) DeletePilot(ctx context.Context, id int64) error {
	return withRetry(r.log, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM pilots WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (r *RaceDB) PilotByID(ctx context.Context, id int64) (*store.Pilot, error) {
	var pilot *store.Pilot
	err := withRetry(r.log, func() error {
		var err error
		pilot, err = r.pilotByID(ctx, id)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pilot, nil
}

func (r *RaceDB) pilotByID(ctx context.Context, id int64) (*store.Pilot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots WHERE id = ?`, id)
	return scanPilot(row.Scan)
}

// ForEachPilot walks the pilots table one row at a time, stopping on the
// first fn error.
func (r *RaceDB) ForEachPilot(ctx context.Context, fn func(*store.Pilot) error) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots ORDER BY callsign`)
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: %v", store.ErrStorage, err)
		}
		return err
	}
	defer rows.Close()

	for rows.Next() {
		pilot, err := scanPilot(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(pilot); err != nil {
			return err
		}
	}
	return rows.Err()
}
