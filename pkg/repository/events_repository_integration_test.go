//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcast/pkg/database"
	"eventcast/pkg/logging"
	"eventcast/pkg/models"
	"eventcast/pkg/testinfra"
)

func newPostgresRepo(t *testing.T) EventsRepository {
	t.Helper()
	logging.Discard()

	ctx := context.Background()
	db, err := database.Connect(ctx, database.Options{URL: testinfra.StartPostgres(t)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db))

	v, err := database.Version(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	return NewEventsRepository(db)
}

func TestPostgresRepository(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	t.Run("upsert twice keeps one row", func(t *testing.T) {
		first, err := repo.Upsert(ctx, models.EventInput{ImageURL: models.StringPtr("/u.jpg"), EventType: models.StringPtr("qa")})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		second, err := repo.Upsert(ctx, models.EventInput{ImageURL: models.StringPtr("/u.jpg"), EventType: models.StringPtr("intrusion")})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "intrusion", *second.EventType)
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		n, err := repo.Count(ctx, models.ListParams{Search: "/u.jpg"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("create with taken url updates in place", func(t *testing.T) {
		original, err := repo.Create(ctx, models.EventInput{ImageURL: models.StringPtr("/c.jpg"), EventType: models.StringPtr("qa")})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		again, err := repo.Create(ctx, models.EventInput{ImageURL: models.StringPtr("/c.jpg"), Status: models.StringPtr("seen")})
		require.NoError(t, err)

		assert.Equal(t, original.ID, again.ID)
		assert.Equal(t, "qa", *again.EventType)
		assert.Equal(t, "seen", *again.Status)
		assert.True(t, again.UpdatedAt.After(original.UpdatedAt))
	})

	t.Run("payload and timestamp round trip", func(t *testing.T) {
		ts := time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)
		created, err := repo.Create(ctx, models.EventInput{
			AudioURL:  models.StringPtr("/p.wav"),
			Timestamp: &ts,
			Payload:   []byte(`{"camera":"c7"}`),
		})
		require.NoError(t, err)

		got, found, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"camera":"c7"}`, string(got.Payload))
		assert.True(t, ts.Equal(*got.Timestamp))
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		events, err := repo.List(ctx, models.ListParams{EventType: "qa"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "/c.jpg", *events[0].ImageURL)

		all, err := repo.List(ctx, models.ListParams{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
		}

		page, err := repo.List(ctx, models.ListParams{Page: models.IntPtr(2), PageSize: models.IntPtr(2)})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, all[2].ID, page[0].ID)
	})

	t.Run("update to a taken url is a conflict", func(t *testing.T) {
		other, err := repo.Create(ctx, models.EventInput{ImageURL: models.StringPtr("/other.jpg")})
		require.NoError(t, err)

		_, _, err = repo.Update(ctx, other.ID, models.EventInput{ImageURL: models.StringPtr("/c.jpg")})
		assert.ErrorIs(t, err, ErrConflict)

		_, found, err := repo.Update(ctx, 999999, models.EventInput{Status: models.StringPtr("x")})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("urls of two rows are a conflict", func(t *testing.T) {
		_, err := repo.Create(ctx, models.EventInput{ImageURL: models.StringPtr("/c.jpg"), AudioURL: models.StringPtr("/p.wav")})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = repo.Upsert(ctx, models.EventInput{ImageURL: models.StringPtr("/c.jpg"), AudioURL: models.StringPtr("/p.wav")})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = repo.Upsert(ctx, models.EventInput{ImageURL: models.StringPtr("/fresh.jpg"), AudioURL: models.StringPtr("/p.wav")})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("delete", func(t *testing.T) {
		n, err := repo.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		deleted, err := repo.Delete(ctx, 1)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
