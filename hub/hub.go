package hub

import (
	"sync"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Envelope is the frame every subscriber receives.
type Envelope struct {
	Event   string `json:"event"`
	BoardID string `json:"boardId"`
	Payload any    `json:"payload,omitempty"`
}

// session is one attached client within a board room. Frames are delivered
// through a buffered channel so one stalled socket cannot hold up the room.
// closed is guarded by the hub mutex; once set, nothing sends on send again.
type session struct {
	id     string
	user   domain.UserRef
	send   chan []byte
	closed bool
}

// Publisher forwards locally produced events to peer instances.
type Publisher interface {
	Publish(boardID, event string, payload []byte)
}

// Hub tracks board rooms and fans events out to every attached session.
// Events for one board are delivered to all subscribers in the order
// Broadcast was called.
type Hub struct {
	logger  *logrus.Logger
	publish Publisher

	mu    sync.Mutex
	rooms map[string]map[*session]struct{}
}

func New(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*session]struct{}),
	}
}

// SetPublisher attaches a cross-instance publisher. Must be called before the
// first session joins.
func (h *Hub) SetPublisher(p Publisher) {
	h.publish = p
}

// join attaches the session to a board room and announces the new roster.
func (h *Hub) join(boardID string, s *session) {
	h.mu.Lock()
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[*session]struct{})
		h.rooms[boardID] = room
	}
	room[s] = struct{}{}
	roster := h.rosterLocked(boardID)
	h.mu.Unlock()

	h.Broadcast(boardID, domain.EventUserJoined, domain.PresenceEvent{User: s.user, Message: s.user.Name + " joined the board"})
	h.Broadcast(boardID, domain.EventOnlineUsers, roster)
}

// leave detaches the session from a board room and announces the departure.
func (h *Hub) leave(boardID string, s *session) {
	h.mu.Lock()
	room, ok := h.rooms[boardID]
	if ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, boardID)
		}
	}
	roster := h.rosterLocked(boardID)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.Broadcast(boardID, domain.EventUserLeft, domain.PresenceEvent{User: s.user, Message: s.user.Name + " left the board"})
	h.Broadcast(boardID, domain.EventOnlineUsers, roster)
}

// disconnect removes the session from every room it joined, announcing each
// departure. Used when the underlying socket drops without explicit leaves.
func (h *Hub) disconnect(s *session) {
	h.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	var boards []string
	for boardID, room := range h.rooms {
		if _, ok := room[s]; ok {
			boards = append(boards, boardID)
		}
	}
	h.mu.Unlock()

	for _, boardID := range boards {
		h.leave(boardID, s)
	}
	if !alreadyClosed {
		close(s.send)
	}
}

// rosterLocked lists distinct online users in a room. Callers must hold mu.
func (h *Hub) rosterLocked(boardID string) []domain.UserRef {
	users := []domain.UserRef{}
	seen := map[string]struct{}{}
	for s := range h.rooms[boardID] {
		if _, ok := seen[s.user.ID]; ok {
			continue
		}
		seen[s.user.ID] = struct{}{}
		users = append(users, s.user)
	}
	return users
}

// Roster returns the distinct users currently attached to a board room.
func (h *Hub) Roster(boardID string) []domain.UserRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked(boardID)
}

// localOnly reports whether an event must stay on this instance. Presence
// frames describe this instance's rooms only; forwarding them would hand
// peers a partial roster as if it were the whole board.
func localOnly(event string) bool {
	switch event {
	case domain.EventUserJoined, domain.EventUserLeft, domain.EventOnlineUsers:
		return true
	}
	return false
}

// Broadcast delivers an event to every session in the board room and forwards
// it to peer instances. Sessions that cannot keep up are dropped.
func (h *Hub) Broadcast(boardID, event string, payload any) {
	frame, err := h.encode(boardID, event, payload)
	if err != nil {
		return
	}
	if h.publish != nil && !localOnly(event) {
		raw, err := sonic.Marshal(payload)
		if err == nil {
			h.publish.Publish(boardID, event, raw)
		}
	}
	h.fanOut(boardID, event, frame, nil)
}

// relay behaves like Broadcast but skips the originating session. Used for
// ephemeral editing and cursor signals.
func (h *Hub) relay(boardID, event string, payload any, from *session) {
	frame, err := h.encode(boardID, event, payload)
	if err != nil {
		return
	}
	if h.publish != nil {
		raw, err := sonic.Marshal(payload)
		if err == nil {
			h.publish.Publish(boardID, event, raw)
		}
	}
	h.fanOut(boardID, event, frame, from)
}

// Deliver fans out a frame produced by a peer instance to local sessions only.
func (h *Hub) Deliver(boardID, event string, payload []byte) {
	var decoded any
	if len(payload) > 0 {
		if err := sonic.Unmarshal(payload, &decoded); err != nil {
			h.logger.WithError(err).WithField("event", event).Warn("drop peer frame")
			return
		}
	}
	frame, err := h.encode(boardID, event, decoded)
	if err != nil {
		return
	}
	h.fanOut(boardID, event, frame, nil)
}

func (h *Hub) encode(boardID, event string, payload any) ([]byte, error) {
	frame, err := sonic.Marshal(Envelope{Event: event, BoardID: boardID, Payload: payload})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("encode frame")
		return nil, err
	}
	return frame, nil
}

func (h *Hub) fanOut(boardID, event string, frame []byte, skip *session) {
	h.mu.Lock()
	var stalled []*session
	for s := range h.rooms[boardID] {
		if s == skip || s.closed {
			continue
		}
		select {
		case s.send <- frame:
		default:
			stalled = append(stalled, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stalled {
		h.logger.WithFields(logrus.Fields{
			"board": boardID,
			"user":  s.user.ID,
			"event": event,
		}).Warn("dropping stalled session")
		h.disconnect(s)
	}
}
