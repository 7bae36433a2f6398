package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"eventcast/pkg/models"
)

// ErrNoUpsertKey is returned by Upsert when neither image_url nor audio_url
// is present.
var ErrNoUpsertKey = errors.New("upsert requires image_url or audio_url")

// ErrConflict is returned when an update would give an event the image_url
// or audio_url of another event.
var ErrConflict = errors.New("another event already uses this image_url or audio_url")

const uniqueViolation = "23505"

// Unique index name -> column. Conflicts on other constraints are not
// converted into updates.
var conflictIndexes = map[string]string{
	"events_image_url_key": "image_url",
	"events_audio_url_key": "audio_url",
}

type EventsRepository interface {
	Create(ctx context.Context, in models.EventInput) (models.Event, error)
	Upsert(ctx context.Context, in models.EventInput) (models.Event, error)
	GetByID(ctx context.Context, id int64) (models.Event, bool, error)
	List(ctx context.Context, p models.ListParams) ([]models.Event, error)
	Count(ctx context.Context, p models.ListParams) (int64, error)
	Update(ctx context.Context, id int64, in models.EventInput) (models.Event, bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type eventsRepository struct {
	db *sql.DB
}

func NewEventsRepository(db *sql.DB) EventsRepository {
	return &eventsRepository{db: db}
}

const eventColumns = `id, event_type, audio_url, image_url, status, "timestamp", payload, created_at, updated_at`

// Create inserts the event. A unique violation on image_url or audio_url
// turns into an update of the row that holds the URL; if that row cannot be
// found the original error is returned.
func (r *eventsRepository) Create(ctx context.Context, in models.EventInput) (models.Event, error) {
	ev, err := insertEvent(ctx, r.db, in)
	if err == nil {
		return ev, nil
	}
	if conflictField(err) == "" {
		return models.Event{}, err
	}

	existing, found, ferr := findByURLs(ctx, r.db, in)
	if ferr != nil || !found {
		return models.Event{}, err
	}
	updated, ok, uerr := updateEvent(ctx, r.db, existing.ID, in)
	if uerr != nil {
		return models.Event{}, asConflict(uerr)
	}
	if !ok {
		return models.Event{}, err
	}
	return updated, nil
}

// Upsert updates the row keyed by image_url (or audio_url) or inserts a new
// one. The lookup row is locked for the duration of the transaction.
func (r *eventsRepository) Upsert(ctx context.Context, in models.EventInput) (models.Event, error) {
	column, value, ok := in.UpsertKey()
	if !ok {
		return models.Event{}, ErrNoUpsertKey
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM events WHERE `+column+` = $1 ORDER BY id LIMIT 1 FOR UPDATE`, value,
	).Scan(&id)

	var ev models.Event
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ev, err = insertEvent(ctx, tx, in)
		if err != nil && conflictField(err) != "" {
			// Lost an insert race; the row exists now.
			tx.Rollback()
			return r.updateByKey(ctx, column, value, in)
		}
	case err != nil:
		return models.Event{}, err
	default:
		ev, _, err = updateEvent(ctx, tx, id, in)
	}
	if err != nil {
		return models.Event{}, asConflict(err)
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}

func (r *eventsRepository) updateByKey(ctx context.Context, column, value string, in models.EventInput) (models.Event, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE `+column+` = $1 ORDER BY id LIMIT 1`, value,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// The violation came from the other URL column.
		return models.Event{}, ErrConflict
	}
	if err != nil {
		return models.Event{}, err
	}
	ev, _, err := updateEvent(ctx, r.db, id, in)
	return ev, asConflict(err)
}

func (r *eventsRepository) GetByID(ctx context.Context, id int64) (models.Event, bool, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, err
	}
	return ev, true, nil
}

func (r *eventsRepository) List(ctx context.Context, p models.ListParams) ([]models.Event, error) {
	where, args := buildFilter(p)
	offset, limit := p.Window()

	n := len(args)
	query := `SELECT ` + eventColumns + ` FROM events` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *eventsRepository) Count(ctx context.Context, p models.ListParams) (int64, error) {
	where, args := buildFilter(p)
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total)
	return total, err
}

func (r *eventsRepository) Update(ctx context.Context, id int64, in models.EventInput) (models.Event, bool, error) {
	ev, found, err := updateEvent(ctx, r.db, id, in)
	if err != nil {
		return models.Event{}, false, asConflict(err)
	}
	return ev, found, nil
}

func (r *eventsRepository) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rowsAff, _ := result.RowsAffected()
	return rowsAff > 0, nil
}

func (r *eventsRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func insertEvent(ctx context.Context, q queryer, in models.EventInput) (models.Event, error) {
	return scanEvent(q.QueryRowContext(ctx, `
		INSERT INTO events (event_type, audio_url, image_url, status, "timestamp", payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+eventColumns,
		in.EventType, in.AudioURL, in.ImageURL, in.Status, in.Timestamp, payloadArg(in.Payload),
	))
}

// updateEvent sets the provided fields and always refreshes updated_at.
func updateEvent(ctx context.Context, q queryer, id int64, in models.EventInput) (models.Event, bool, error) {
	sets, args := updateSets(in)
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := `UPDATE events SET ` + strings.Join(sets, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args)) + ` RETURNING ` + eventColumns

	ev, err := scanEvent(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, err
	}
	return ev, true, nil
}

func updateSets(in models.EventInput) ([]string, []any) {
	sets := []string{}
	args := []any{}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if in.EventType != nil {
		add("event_type", *in.EventType)
	}
	if in.AudioURL != nil {
		add("audio_url", *in.AudioURL)
	}
	if in.ImageURL != nil {
		add("image_url", *in.ImageURL)
	}
	if in.Status != nil {
		add("status", *in.Status)
	}
	if in.Timestamp != nil {
		add(`"timestamp"`, *in.Timestamp)
	}
	if len(in.Payload) > 0 {
		add("payload", string(in.Payload))
	}
	return sets, args
}

func findByURLs(ctx context.Context, q queryer, in models.EventInput) (models.Event, bool, error) {
	var conds []string
	var args []any
	if in.ImageURL != nil {
		args = append(args, *in.ImageURL)
		conds = append(conds, "image_url = $"+strconv.Itoa(len(args)))
	}
	if in.AudioURL != nil {
		args = append(args, *in.AudioURL)
		conds = append(conds, "audio_url = $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return models.Event{}, false, nil
	}

	ev, err := scanEvent(q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+strings.Join(conds, " OR ")+` ORDER BY id LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, err
	}
	return ev, true, nil
}

// buildFilter renders the WHERE clause shared by List and Count.
func buildFilter(p models.ListParams) (string, []any) {
	var conds []string
	var args []any

	if t := strings.TrimSpace(p.EventType); t != "" {
		args = append(args, t)
		conds = append(conds, "event_type = $"+strconv.Itoa(len(args)))
	}
	if term := p.SearchTerm(); term != "" {
		args = append(args, term)
		n := "$" + strconv.Itoa(len(args))
		conds = append(conds, "(position("+n+" in coalesce(event_type, '')) > 0"+
			" OR position("+n+" in coalesce(audio_url, '')) > 0"+
			" OR position("+n+" in coalesce(image_url, '')) > 0)")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// conflictField names the URL column behind a unique violation, or "" when
// err is anything else.
func conflictField(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return ""
	}
	return conflictIndexes[pqErr.Constraint]
}

// asConflict wraps a URL unique violation in ErrConflict and passes any
// other error through.
func asConflict(err error) error {
	if field := conflictField(err); field != "" {
		return fmt.Errorf("%w (%s)", ErrConflict, field)
	}
	return err
}

func payloadArg(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.Event, error) {
	var ev models.Event
	var payload []byte
	err := row.Scan(
		&ev.ID, &ev.EventType, &ev.AudioURL, &ev.ImageURL, &ev.Status,
		&ev.Timestamp, &payload, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return models.Event{}, err
	}
	if len(payload) > 0 {
		ev.Payload = payload
	}
	return ev, nil
}
