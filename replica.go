package chatsync

import "sort"

// Replica is the ordered, de-duplicated message list of one channel.
//
// Messages are kept sorted by InsertedAt ascending with ID as tie-breaker.
// A Replica is not safe for concurrent use; each one is owned by a single
// channel actor.
type Replica struct {
	channelID string
	messages  []Message
	index     map[string]struct{}
	loading   bool

	// Ids deleted while a snapshot fetch was in flight. The snapshot may
	// predate the delete, so Load must not bring them back.
	fetches    int
	tombstones map[string]struct{}
}

// NewReplica returns an empty replica in the loading state.
func NewReplica(channelID string) *Replica {
	return &Replica{
		channelID: channelID,
		index:     make(map[string]struct{}),
		loading:   true,
	}
}

// ChannelID returns the channel this replica belongs to.
func (r *Replica) ChannelID() string { return r.channelID }

// Loading reports whether no snapshot has been loaded yet.
func (r *Replica) Loading() bool { return r.loading }

// Len returns the number of messages.
func (r *Replica) Len() int { return len(r.messages) }

// BeginLoad records that a snapshot fetch has started. Each call is ended
// by Load or AbortLoad.
func (r *Replica) BeginLoad() { r.fetches++ }

// AbortLoad ends a fetch started with BeginLoad that produced no snapshot.
func (r *Replica) AbortLoad() { r.endFetch() }

// LoadPending reports whether a snapshot fetch is in flight.
func (r *Replica) LoadPending() bool { return r.fetches > 0 }

func (r *Replica) endFetch() {
	if r.fetches > 0 {
		r.fetches--
	}
	if r.fetches == 0 {
		r.tombstones = nil
	}
}

// Load replaces the sequence with snapshot. Locally originated messages that
// are missing from the snapshot are kept so sends issued while loading survive.
//
// A message that is already visible keeps its InsertedAt and Local flag; the
// snapshot supplies the rest. Ids deleted since the fetch began are skipped.
func (r *Replica) Load(snapshot []Message) {
	current := make(map[string]Message, len(r.messages))
	for _, m := range r.messages {
		current[m.ID] = m
	}

	inSnapshot := make(map[string]struct{}, len(snapshot))
	next := make([]Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.ChannelID != "" && m.ChannelID != r.channelID {
			continue
		}
		if _, dup := inSnapshot[m.ID]; dup {
			continue
		}
		if _, gone := r.tombstones[m.ID]; gone {
			continue
		}
		inSnapshot[m.ID] = struct{}{}
		m = m.clone()
		m.ChannelID = r.channelID
		m.Reactions = m.Reactions.Normalize()
		if m.Delivery == "" {
			m.Delivery = DeliveryConfirmed
		}
		if prev, ok := current[m.ID]; ok {
			m.InsertedAt = prev.InsertedAt
			m.Local = prev.Local
		}
		next = append(next, m)
	}
	for _, m := range r.messages {
		if _, ok := inSnapshot[m.ID]; ok || !m.Local {
			continue
		}
		inSnapshot[m.ID] = struct{}{}
		next = append(next, m)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].before(next[j]) })

	r.messages = next
	r.index = inSnapshot
	r.loading = false
	r.endFetch()
}

// ApplyInsert inserts m at its sort position unless a message with the same
// id is already present. It returns whether an insertion happened.
func (r *Replica) ApplyInsert(m Message) bool {
	if m.ChannelID != "" && m.ChannelID != r.channelID {
		return false
	}
	if _, ok := r.index[m.ID]; ok {
		return false
	}
	m = m.clone()
	m.ChannelID = r.channelID
	m.Reactions = m.Reactions.Normalize()
	if m.Delivery == "" {
		m.Delivery = DeliveryConfirmed
	}
	i := sort.Search(len(r.messages), func(i int) bool { return m.before(r.messages[i]) })
	r.messages = append(r.messages, Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	r.index[m.ID] = struct{}{}
	return true
}

// OptimisticInsert is ApplyInsert for a locally originated message. The
// message is marked Local and Pending; a later ApplyInsert of the same id
// is a no-op.
func (r *Replica) OptimisticInsert(m Message) bool {
	m.Local = true
	m.Delivery = DeliveryPending
	return r.ApplyInsert(m)
}

// ApplyDelete removes the message with id. Missing ids are ignored.
func (r *Replica) ApplyDelete(id string) bool {
	if r.fetches > 0 {
		if r.tombstones == nil {
			r.tombstones = make(map[string]struct{})
		}
		r.tombstones[id] = struct{}{}
	}
	i := r.find(id)
	if i < 0 {
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	delete(r.index, id)
	return true
}

// ApplyReactionSnapshot replaces the reactions of message id wholesale.
// It returns false when the message is not present.
func (r *Replica) ApplyReactionSnapshot(id string, reactions Reactions) bool {
	i := r.find(id)
	if i < 0 {
		return false
	}
	r.messages[i].Reactions = reactions.Normalize()
	return true
}

// MarkDelivery sets the delivery state of message id.
func (r *Replica) MarkDelivery(id string, state DeliveryState) bool {
	i := r.find(id)
	if i < 0 {
		return false
	}
	r.messages[i].Delivery = state
	return true
}

// Get returns a copy of message id.
func (r *Replica) Get(id string) (Message, bool) {
	i := r.find(id)
	if i < 0 {
		return Message{}, false
	}
	return r.messages[i].clone(), true
}

// Messages returns a copy of the ordered sequence.
func (r *Replica) Messages() []Message {
	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.clone()
	}
	return out
}

// Latest returns the newest message, if any.
func (r *Replica) Latest() (Message, bool) {
	if len(r.messages) == 0 {
		return Message{}, false
	}
	return r.messages[len(r.messages)-1].clone(), true
}

func (r *Replica) find(id string) int {
	if _, ok := r.index[id]; !ok {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}
