package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpv-tools/racetimer/store"
)

func openTestRaceDB(t *testing.T) *RaceDB {
	t.Helper()
	db, err := OpenRaceDB(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPilotCRUD(t *testing.T) {
	db := openTestRaceDB(t)
	ctx := context.Background()

	created, err := db.CreatePilot(ctx, &store.Pilot{
		Callsign: "FLYBY", Name: "Jo Racer", Phonetic: "fly-by", TeamName: "Alpha",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	fetched, err := db.PilotByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "FLYBY", fetched.Callsign)
	assert.Equal(t, "Alpha", fetched.TeamName)

	fetched.TeamName = "Bravo"
	updated, err := db.UpdatePilot(ctx, fetched)
	require.NoError(t, err)
	assert.Equal(t, "Bravo", updated.TeamName)

	require.NoError(t, db.DeletePilot(ctx, created.ID))
	_, err = db.PilotByID(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPilotCallsignUnique(t *testing.T) {
	db := openTestRaceDB(t)
	ctx := context.Background()

	_, err := db.CreatePilot(ctx, &store.Pilot{Callsign: "DUP"})
	require.NoError(t, err)
	_, err = db.CreatePilot(ctx, &store.Pilot{Callsign: "DUP"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestUpdateMissingPilot(t *testing.T) {
	db := openTestRaceDB(t)
	_, err := db.UpdatePilot(context.Background(), &store.Pilot{ID: 999, Callsign: "GHOST"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMissingPilot(t *testing.T) {
	db := openTestRaceDB(t)
	err := db.DeletePilot(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestForEachPilotOrdersByCallsign(t *testing.T) {
	db := openTestRaceDB(t)
	ctx := context.Background()

	for _, cs := range []string{"ZULU", "ALPHA", "MIKE"} {
		_, err := db.CreatePilot(ctx, &store.Pilot{Callsign: cs})
		require.NoError(t, err)
	}

	var seen []string
	err := db.ForEachPilot(ctx, func(p *store.Pilot) error {
		seen = append(seen, p.Callsign)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA", "MIKE", "ZULU"}, seen)
}

func TestForEachPilotStopsOnError(t *testing.T) {
	db := openTestRaceDB(t)
	ctx := context.Background()

	for _, cs := range []string{"A", "B", "C"} {
		_, err := db.CreatePilot(ctx, &store.Pilot{Callsign: cs})
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	var count int
	err := db.ForEachPilot(ctx, func(*store.Pilot) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, count)
}
