// Package group implements the Group Conversation Flow (spec §4.5): a
// circular round-robin queue of members sharing one conversation, where
// exactly one member's agent is active at a time but every output is
// broadcast to the whole group.
package group

import "sync"

// Member identifies one participant in a group conversation.
type Member struct {
	ClientID    string
	DisplayName string
}

// State is one group's round-robin state machine: a queue of members
// awaiting their turn, each member's watermark into the shared transcript,
// and the currently speaking member, if any.
type State struct {
	ID string

	mu             sync.Mutex
	queue          []string
	readIndex      map[string]int
	displayNames   map[string]string
	history        []string
	currentSpeaker string
}

// NewState creates a group with the given initial membership, queued in
// join order (spec §4.5).
func NewState(id string, members []Member) *State {
	s := &State{
		ID:           id,
		readIndex:    make(map[string]int),
		displayNames: make(map[string]string),
	}
	for _, m := range members {
		s.queue = append(s.queue, m.ClientID)
		s.readIndex[m.ClientID] = 0
		s.displayNames[m.ClientID] = m.DisplayName
	}
	return s
}

// Members returns the group's current roster; order is not significant.
func (s *State) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.displayNames))
	for id := range s.displayNames {
		out = append(out, id)
	}
	return out
}

// Join appends a new member to the queue tail. Its read index starts at
// the current transcript length, so it never retroactively sees past
// turns (spec §4.5). A member already present is left untouched.
func (s *State) Join(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.displayNames[m.ClientID]; ok {
		return
	}
	s.queue = append(s.queue, m.ClientID)
	s.readIndex[m.ClientID] = len(s.history)
	s.displayNames[m.ClientID] = m.DisplayName
}

// Leave removes clientID from the group. It reports whether clientID was
// the current speaker, so the caller knows to cancel its in-flight turn
// as if interrupted (spec §4.5).
func (s *State) Leave(clientID string) (wasSpeaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.queue {
		if id == clientID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.readIndex, clientID)
	delete(s.displayNames, clientID)
	wasSpeaking = s.currentSpeaker == clientID
	if wasSpeaking {
		s.currentSpeaker = ""
	}
	return wasSpeaking
}

// Empty reports whether every member has left.
func (s *State) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.displayNames) == 0
}

// CurrentSpeaker returns the member currently speaking, or "" if idle.
func (s *State) CurrentSpeaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSpeaker
}

// popSpeaker transitions Idle -> Speaking(m): pops the queue head, marks it
// current_speaker, and computes its context window
// history[read_index[m]:] (spec §4.5).
func (s *State) popSpeaker() (clientID string, context []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", nil, false
	}
	clientID = s.queue[0]
	s.queue = s.queue[1:]
	s.currentSpeaker = clientID

	start := s.readIndex[clientID]
	if start > len(s.history) {
		start = len(s.history)
	}
	context = append([]string(nil), s.history[start:]...)
	return clientID, context, true
}

// commitSpeaker transitions Speaking(m) -> Idle on normal completion:
// appends the member's full response to the shared transcript, advances
// its read index, and re-enqueues it at the tail (spec §4.5). A member
// that left mid-turn is not re-enqueued.
func (s *State) commitSpeaker(clientID, displayName, response string) {
	s.commit(clientID, displayName, response, "")
}

// commitInterrupted transitions Speaking(m) -> Idle on cancellation or
// agent error: appends the partial response with marker, but does not
// re-enqueue a member that has since left.
func (s *State) commitInterrupted(clientID, displayName, response, marker string) {
	s.commit(clientID, displayName, response, marker)
}

func (s *State) commit(clientID, displayName, response, marker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if displayName == "" {
		displayName = s.displayNames[clientID]
	}
	if displayName == "" {
		displayName = clientID
	}

	line := response
	if marker != "" {
		if line != "" {
			line += " " + marker
		} else {
			line = marker
		}
	}
	if line != "" {
		s.history = append(s.history, displayName+": "+line)
	}

	if _, stillMember := s.displayNames[clientID]; stillMember {
		s.readIndex[clientID] = len(s.history)
		s.queue = append(s.queue, clientID)
	}
	if s.currentSpeaker == clientID {
		s.currentSpeaker = ""
	}
}
