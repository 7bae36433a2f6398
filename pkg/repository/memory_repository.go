package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"eventcast/pkg/models"
)

// memoryEventsRepository keeps events in process memory with the same
// uniqueness and conflict-as-update rules as the SQL store. Used when no
// database is configured.
type memoryEventsRepository struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]models.Event
	now    func() time.Time
}

func NewMemoryEventsRepository() EventsRepository {
	return &memoryEventsRepository{
		events: make(map[int64]models.Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryEventsRepository) Create(_ context.Context, in models.EventInput) (models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.findByURLs(in, 0); ok {
		if _, clash := r.findByURLs(in, id); clash {
			return models.Event{}, ErrConflict
		}
		return r.apply(id, in), nil
	}
	return r.insert(in), nil
}

func (r *memoryEventsRepository) Upsert(_ context.Context, in models.EventInput) (models.Event, error) {
	column, value, ok := in.UpsertKey()
	if !ok {
		return models.Event{}, ErrNoUpsertKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.sortedIDs() {
		ev := r.events[id]
		current := ev.ImageURL
		if column == "audio_url" {
			current = ev.AudioURL
		}
		if current != nil && *current == value {
			if _, clash := r.findByURLs(in, id); clash {
				return models.Event{}, ErrConflict
			}
			return r.apply(id, in), nil
		}
	}
	if _, clash := r.findByURLs(in, 0); clash {
		return models.Event{}, ErrConflict
	}
	return r.insert(in), nil
}

func (r *memoryEventsRepository) GetByID(_ context.Context, id int64) (models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	return cloneEvent(ev), ok, nil
}

func (r *memoryEventsRepository) List(_ context.Context, p models.ListParams) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := r.filter(p)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	offset, limit := p.Window()
	if offset >= len(matched) {
		return []models.Event{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]models.Event, 0, end-offset)
	for _, ev := range matched[offset:end] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (r *memoryEventsRepository) Count(_ context.Context, p models.ListParams) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.filter(p))), nil
}

func (r *memoryEventsRepository) Update(_ context.Context, id int64, in models.EventInput) (models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[id]; !ok {
		return models.Event{}, false, nil
	}
	if _, clash := r.findByURLs(in, id); clash {
		return models.Event{}, false, ErrConflict
	}
	return r.apply(id, in), true, nil
}

func (r *memoryEventsRepository) Delete(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[id]; !ok {
		return false, nil
	}
	delete(r.events, id)
	return true, nil
}

func (r *memoryEventsRepository) DeleteAll(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.events))
	r.events = make(map[int64]models.Event)
	return n, nil
}

func (r *memoryEventsRepository) insert(in models.EventInput) models.Event {
	r.nextID++
	now := r.now()
	ev := models.Event{
		ID:        r.nextID,
		EventType: in.EventType,
		AudioURL:  in.AudioURL,
		ImageURL:  in.ImageURL,
		Status:    in.Status,
		Timestamp: in.Timestamp,
		Payload:   append([]byte(nil), in.Payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(ev.Payload) == 0 {
		ev.Payload = nil
	}
	r.events[ev.ID] = ev
	return cloneEvent(ev)
}

// apply sets the provided fields and moves updated_at forward.
func (r *memoryEventsRepository) apply(id int64, in models.EventInput) models.Event {
	ev := r.events[id]
	if in.EventType != nil {
		ev.EventType = in.EventType
	}
	if in.AudioURL != nil {
		ev.AudioURL = in.AudioURL
	}
	if in.ImageURL != nil {
		ev.ImageURL = in.ImageURL
	}
	if in.Status != nil {
		ev.Status = in.Status
	}
	if in.Timestamp != nil {
		ev.Timestamp = in.Timestamp
	}
	if len(in.Payload) > 0 {
		ev.Payload = append([]byte(nil), in.Payload...)
	}

	now := r.now()
	if !now.After(ev.UpdatedAt) {
		now = ev.UpdatedAt.Add(time.Microsecond)
	}
	ev.UpdatedAt = now
	r.events[id] = ev
	return cloneEvent(ev)
}

// findByURLs returns the lowest id, other than skip, sharing image_url or
// audio_url with in.
func (r *memoryEventsRepository) findByURLs(in models.EventInput, skip int64) (int64, bool) {
	for _, id := range r.sortedIDs() {
		if id == skip {
			continue
		}
		ev := r.events[id]
		if sameURL(in.ImageURL, ev.ImageURL) || sameURL(in.AudioURL, ev.AudioURL) {
			return id, true
		}
	}
	return 0, false
}

func (r *memoryEventsRepository) filter(p models.ListParams) []models.Event {
	eventType := strings.TrimSpace(p.EventType)
	term := p.SearchTerm()

	out := make([]models.Event, 0, len(r.events))
	for _, ev := range r.events {
		if eventType != "" && deref(ev.EventType) != eventType {
			continue
		}
		if term != "" &&
			!strings.Contains(deref(ev.EventType), term) &&
			!strings.Contains(deref(ev.AudioURL), term) &&
			!strings.Contains(deref(ev.ImageURL), term) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (r *memoryEventsRepository) sortedIDs() []int64 {
	ids := make([]int64, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sameURL(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneEvent(ev models.Event) models.Event {
	if ev.Payload != nil {
		ev.Payload = append([]byte(nil), ev.Payload...)
	}
	return ev
}
