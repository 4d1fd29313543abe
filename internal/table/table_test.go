package table

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/racegate/internal/engine"
)

func finished(id int64, status int, body string) *engine.Request {
	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &engine.Request{
		ID:         id,
		Label:      "redeem",
		Gate:       "race1",
		Words:      []string{"SAVE10"},
		Status:     status,
		Response:   []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" + body),
		ConnID:     int(id % 3),
		SentAt:     sent,
		ReceivedAt: sent.Add(1500 * time.Microsecond),
	}
}

func TestNewRecord(t *testing.T) {
	req := finished(7, 200, `{"balance": 90, "msg": "coupon applied"}`)
	req.Retries = 2

	rec := NewRecord(req, true, []string{"balance", "missing"})

	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, "redeem", rec.Label)
	assert.Equal(t, "race1", rec.Gate)
	assert.Equal(t, "SAVE10", rec.Payload)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, len(req.Response), rec.Length)
	assert.Equal(t, 5, rec.Words)
	assert.InDelta(t, 1.5, rec.DurationMS, 0.001)
	assert.True(t, rec.Interesting)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, map[string]string{"balance": "90"}, rec.Extracted)
	assert.Empty(t, rec.Error)
}

func TestNewRecord_Failure(t *testing.T) {
	req := &engine.Request{ID: 1, Err: errors.New("connection reset")}
	rec := NewRecord(req, true, nil)
	assert.Equal(t, "connection reset", rec.Error)
	assert.Zero(t, rec.Length)
	assert.Zero(t, rec.DurationMS)
}

func TestExtract(t *testing.T) {
	body := []byte(`{"data": {"id": 42, "tags": ["a", "b"]}, "ok": true}`)
	got := Extract(body, []string{"data.id", "data.tags.#", "ok", "nope"})
	assert.Equal(t, map[string]string{"data.id": "42", "data.tags.#": "2", "ok": "true"}, got)

	assert.Nil(t, Extract([]byte("<html>"), []string{"data.id"}))
	assert.Nil(t, Extract(body, nil))
	assert.Nil(t, Extract(body, []string{"nope"}))
}

func TestBody(t *testing.T) {
	assert.Equal(t, []byte("hello"), Body([]byte("HTTP/1.1 200 OK\r\nA: b\r\n\r\nhello")))
	assert.Nil(t, Body([]byte("garbage")))
}

// tableContract runs the same checks against every Table implementation.
func tableContract(t *testing.T, tbl Table) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, tbl.Add(ctx, finished(3, 200, `{"id": "x"}`), false))
	require.NoError(t, tbl.Add(ctx, finished(1, 409, `{"id": "y"}`), true))
	failed := &engine.Request{ID: 2, Words: []string{"w"}, Retries: 3, Err: errors.New("eof")}
	require.NoError(t, tbl.Add(ctx, failed, true))

	records, err := tbl.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []int64{3, 1, 2}, []int64{records[0].ID, records[1].ID, records[2].ID}, "insertion order is kept")
	assert.False(t, records[0].Interesting)
	assert.True(t, records[1].Interesting)
	assert.Equal(t, 409, records[1].Status)
	assert.Equal(t, "redeem", records[1].Label)
	assert.Equal(t, "SAVE10", records[1].Payload)
	assert.Contains(t, records[1].Response, `{"id": "y"}`)
	assert.Equal(t, map[string]string{"id": "y"}, records[1].Extracted)
	assert.True(t, records[1].SentAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "eof", records[2].Error)
	assert.Equal(t, 3, records[2].Retries)
	assert.Nil(t, records[2].Extracted)

	require.NoError(t, tbl.Close())
}

func TestMemory(t *testing.T) {
	m := NewMemory(WithExtract("id"))
	tableContract(t, m)
	assert.Equal(t, 3, m.Len())
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "race.db")
	db, err := OpenSQLite(context.Background(), path, WithExtract("id"))
	require.NoError(t, err)
	tableContract(t, db)
}

func TestSQLite_RunsAreSeparate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "race.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Add(ctx, finished(1, 200, "a"), false))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	assert.Greater(t, second.RunID(), first.RunID())

	records, err := second.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	version, err := schemaVersion(ctx, second.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSQLite_SchemaIsOneMigration(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	defer db.Close()

	require.Len(t, migrations, 1)
	version, err := schemaVersion(ctx, db.db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = db.db.ExecContext(ctx, "SELECT extracted FROM results LIMIT 0")
	require.NoError(t, err)

	var indices int
	require.NoError(t, db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 'results' AND name LIKE 'idx_results_%'").Scan(&indices))
	assert.Equal(t, 2, indices)
}
