package opschat

import "sync"

// MessageStore is the ordered, de-duplicated message sequence of one session.
// Records keep their first-insertion position for their whole life; an
// optimistic record is replaced in place when its durable counterpart is
// known.
//
// MessageStore is safe for concurrent use.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
	index    map[MessageID]int
	loaded   bool
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[MessageID]int)}
}

// Loaded reports whether history has been applied in this session.
func (s *MessageStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// ApplyHistory seeds the store with the historical page. It runs at most once
// per session and returns false if history was already applied. Records that
// arrived live before the history response are kept after the history, in
// their original relative order.
func (s *MessageStore) ApplyHistory(history []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return false
	}
	s.loaded = true

	merged := make([]Message, 0, len(history)+len(s.messages))
	index := make(map[MessageID]int, len(history)+len(s.messages))
	for _, m := range history {
		if _, dup := index[m.ID]; dup || m.ID == "" {
			continue
		}
		m.Status = ""
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	for _, m := range s.messages {
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	s.messages = merged
	s.index = index
	return true
}

// Insert appends a message delivered by the live stream. It returns false and
// leaves the store untouched if a record with the same id already exists.
func (s *MessageStore) Insert(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.appendLocked(m)
	return true
}

// AppendPending appends an optimistic record. The record must carry a
// temporary id.
func (s *MessageStore) AppendPending(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Status = StatusSending
	s.appendLocked(m)
}

func (s *MessageStore) appendLocked(m Message) {
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
}

// Confirm replaces the optimistic record tempID with the server-confirmed
// record, at the same position, and registers the durable id. If the durable
// id is already present (its echo won the race) the echo is removed so exactly
// one record exists per durable id, at the optimistic record's position.
// Confirm returns false if tempID is unknown.
func (s *MessageStore) Confirm(tempID MessageID, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[tempID]
	if !ok {
		return false
	}

	confirmed.Status = StatusSent
	delete(s.index, tempID)
	s.messages[pos] = confirmed

	if existing, dup := s.index[confirmed.ID]; dup && existing != pos {
		s.removeLocked(existing)
		if existing < pos {
			pos--
		}
	}
	s.index[confirmed.ID] = pos
	return true
}

// MarkFailed flags the optimistic record tempID as failed. The record stays in
// place with its temporary id.
func (s *MessageStore) MarkFailed(tempID MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[tempID]
	if !ok || !tempID.IsTemporary() {
		return false
	}
	s.messages[pos].Status = StatusFailed
	return true
}

func (s *MessageStore) removeLocked(pos int) {
	delete(s.index, s.messages[pos].ID)
	s.messages = append(s.messages[:pos], s.messages[pos+1:]...)
	for i := pos; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

// Has reports whether a record with the id exists.
func (s *MessageStore) Has(id MessageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Get returns the record with the id.
func (s *MessageStore) Get(id MessageID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[pos], true
}

// Messages returns a snapshot of the sequence.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the number of records.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear empties the store and forgets that history was loaded.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[MessageID]int)
	s.loaded = false
}
