package server

import (
	"errors"
	"slices"

	"github.com/paperdesk/collab-server/internal/types"
	"github.com/teris-io/shortid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidAccessCode = errors.New("invalid access code")
	ErrUserNotFound      = errors.New("user not found")
)

// sessionRegistry holds the canonical session, message and online-user
// records. It is owned by the hub's run loop and is not safe for
// concurrent use. Sessions and users keep insertion order so list
// broadcasts are stable.
type sessionRegistry struct {
	sessions []*types.Session
	messages map[string][]types.Message
	users    []*types.User
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		messages: make(map[string][]types.Message),
	}
}

func hashAccessCode(code string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
}

// checkAccessCode verifies a join attempt against the stored hash. A
// private session created without an access code stores no hash and
// admits only joiners who likewise supply none.
func checkAccessCode(hash []byte, code string) bool {
	if len(hash) == 0 {
		return code == ""
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
}

// UpsertUser records a user coming online, creating or refreshing the
// canonical record for its id. Users are never deleted, only marked
// offline.
func (r *sessionRegistry) UpsertUser(u types.User) types.User {
	u.IsOnline = true
	u.LastActive = Now()

	for _, existing := range r.users {
		if existing.Id == u.Id {
			*existing = u
			r.syncMember(u)
			return u
		}
	}

	r.users = append(r.users, &u)
	return u
}

// UpdateUser refreshes an already-known user. The second return is false
// when the id has never joined.
func (r *sessionRegistry) UpdateUser(u types.User) (types.User, bool) {
	for _, existing := range r.users {
		if existing.Id == u.Id {
			u.IsOnline = true
			u.LastActive = Now()
			*existing = u
			r.syncMember(u)
			return u, true
		}
	}
	return types.User{}, false
}

// SetOffline downgrades a single user, returning false when the id is
// unknown.
func (r *sessionRegistry) SetOffline(userId string) (types.User, bool) {
	for _, existing := range r.users {
		if existing.Id == userId {
			existing.IsOnline = false
			existing.LastActive = Now()
			r.syncMember(*existing)
			return *existing, true
		}
	}
	return types.User{}, false
}

// syncMember propagates the canonical user record into every session
// member list where the user appears. Linear in sessions times members,
// which stays small for this workload.
func (r *sessionRegistry) syncMember(u types.User) {
	for _, s := range r.sessions {
		for i := range s.Members {
			if s.Members[i].Id == u.Id {
				s.Members[i] = u
			}
		}
	}
}

func (r *sessionRegistry) User(userId string) (types.User, bool) {
	for _, u := range r.users {
		if u.Id == userId {
			return *u, true
		}
	}
	return types.User{}, false
}

// OnlineUsers returns copies of all known user records in join order.
func (r *sessionRegistry) OnlineUsers() []types.User {
	users := make([]types.User, len(r.users))
	for i, u := range r.users {
		users[i] = *u
	}
	return users
}

// CreateSession registers a session with its creator as sole member. An
// access code on a private session is stored only as a bcrypt hash.
func (r *sessionRegistry) CreateSession(spec SessionSpec, creator types.User) (types.Session, error) {
	s := spec.Session
	if s.Id == "" {
		s.Id = shortid.MustGenerate()
	}
	s.CreatedBy = creator.Id
	s.CreatedAt = Now()
	s.Members = []types.User{creator}
	if s.SharedItems == nil {
		s.SharedItems = []types.ItemRef{}
	}
	s.AccessCodeHash = nil

	if s.IsPrivate && spec.AccessCode != "" {
		hash, err := hashAccessCode(spec.AccessCode)
		if err != nil {
			return types.Session{}, err
		}
		s.AccessCodeHash = hash
	}

	r.sessions = append(r.sessions, &s)
	return s, nil
}

func (r *sessionRegistry) session(sessionId string) (*types.Session, int) {
	for i, s := range r.sessions {
		if s.Id == sessionId {
			return s, i
		}
	}
	return nil, -1
}

// JoinSession adds the user to the session members. Re-joining an
// existing member is a no-op on membership but still returns the session
// snapshot and full message history.
func (r *sessionRegistry) JoinSession(sessionId, userId, accessCode string) (types.Session, []types.Message, error) {
	s, _ := r.session(sessionId)
	if s == nil {
		return types.Session{}, nil, ErrSessionNotFound
	}

	if s.IsPrivate && !checkAccessCode(s.AccessCodeHash, accessCode) {
		return types.Session{}, nil, ErrInvalidAccessCode
	}

	user, ok := r.User(userId)
	if !ok {
		return types.Session{}, nil, ErrUserNotFound
	}

	if !slices.ContainsFunc(s.Members, func(m types.User) bool { return m.Id == userId }) {
		s.Members = append(s.Members, user)
	}

	return *s, slices.Clone(r.messages[sessionId]), nil
}

// LeaveSession removes the user from members. The session is removed from
// the registry the moment its membership reaches zero; the second return
// reports that removal.
func (r *sessionRegistry) LeaveSession(sessionId, userId string) (types.Session, bool, error) {
	s, i := r.session(sessionId)
	if s == nil {
		return types.Session{}, false, ErrSessionNotFound
	}

	s.Members = slices.DeleteFunc(s.Members, func(m types.User) bool { return m.Id == userId })

	if len(s.Members) == 0 {
		r.sessions = slices.Delete(r.sessions, i, i+1)
		delete(r.messages, sessionId)
		return *s, true, nil
	}

	return *s, false, nil
}

// ShareItem adds an item reference to the session's shared set, checked
// by (type, id) equality so repeated shares leave a single entry. The
// boolean return reports whether the set changed.
func (r *sessionRegistry) ShareItem(sessionId string, ref types.ItemRef) (types.Session, bool, error) {
	s, _ := r.session(sessionId)
	if s == nil {
		return types.Session{}, false, ErrSessionNotFound
	}

	if slices.Contains(s.SharedItems, ref) {
		return *s, false, nil
	}

	s.SharedItems = append(s.SharedItems, ref)
	return *s, true, nil
}

// AppendMessage appends to the per-session ordered log, assigning an id
// and timestamp when absent. Messages are immutable once appended.
func (r *sessionRegistry) AppendMessage(m types.Message) (types.Message, error) {
	if _, i := r.session(m.SessionId); i < 0 {
		return types.Message{}, ErrSessionNotFound
	}

	if m.Id == "" {
		m.Id = shortid.MustGenerate()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = Now()
	}

	r.messages[m.SessionId] = append(r.messages[m.SessionId], m)
	return m, nil
}

// Sessions returns copies of every session in creation order.
func (r *sessionRegistry) Sessions() []types.Session {
	sessions := make([]types.Session, len(r.sessions))
	for i, s := range r.sessions {
		copied := *s
		copied.Members = slices.Clone(s.Members)
		copied.SharedItems = slices.Clone(s.SharedItems)
		sessions[i] = copied
	}
	return sessions
}

// Session returns a copy of one session by id.
func (r *sessionRegistry) Session(sessionId string) (types.Session, bool) {
	s, _ := r.session(sessionId)
	if s == nil {
		return types.Session{}, false
	}
	copied := *s
	copied.Members = slices.Clone(s.Members)
	copied.SharedItems = slices.Clone(s.SharedItems)
	return copied, true
}
