package listener

import (
	"container/list"
	"fmt"
	"sync"
)

const DefaultSeenCapacity = 10000

// EventKey identifies an event across the push channel and the poll API:
// timestamp|audio_url|image_url. Missing URL fields fall back to data.*.
func EventKey(ev map[string]any) string {
	data, _ := ev["data"].(map[string]any)
	field := func(name string) string {
		if v := text(ev[name]); v != "" {
			return v
		}
		if data != nil {
			return text(data[name])
		}
		return ""
	}
	return field("timestamp") + "|" + field("audio_url") + "|" + field("image_url")
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// SeenSet is a bounded set of keys. When full, the oldest key is evicted.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Add records key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = s.order.PushBack(key)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return true
}

func (s *SeenSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
