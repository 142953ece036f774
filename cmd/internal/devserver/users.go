package devserver

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/security/password"
)

// Roles granted by the dev backend.
const (
	RoleUser  = "ROLE_USER"
	RoleAdmin = "ROLE_ADMIN"
)

var (
	errDuplicateEmail     = errors.New("email already registered")
	errInvalidCredentials = errors.New("invalid credentials")
)

type user struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	PhoneNumber  string
	Roles        []string
	PasswordHash string
	CreatedAt    time.Time
}

func (u user) profile() session.Profile {
	return session.Profile{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
		Roles:       slices.Clone(u.Roles),
	}
}

func (u user) displayName() string {
	if n := strings.TrimSpace(u.FirstName + " " + u.LastName); n != "" {
		return n
	}
	return u.Email
}

// userStore is the in-memory account directory. Ids are sequential numbers,
// as the production backend hands them out.
type userStore struct {
	hasher password.Config

	mu      sync.RWMutex
	nextID  int
	byID    map[string]*user
	byEmail map[string]*user

	dummyHash string
}

func newUserStore(hasher password.Config) *userStore {
	s := &userStore{
		hasher:  hasher,
		nextID:  1,
		byID:    make(map[string]*user),
		byEmail: make(map[string]*user),
	}
	// Used to keep unknown-email logins as slow as wrong-password ones.
	if h, err := hasher.Hash("Dummy#Timing1"); err == nil {
		s.dummyHash = h
	}
	return s
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

func (s *userStore) create(r api.Registration, roles []string, now time.Time) (user, error) {
	hash, err := s.hasher.Hash(r.Password)
	if err != nil {
		return user{}, err
	}
	email := normalizeEmail(r.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return user{}, errDuplicateEmail
	}
	u := &user{
		ID:           strconv.Itoa(s.nextID),
		Email:        email,
		FirstName:    strings.TrimSpace(r.FirstName),
		LastName:     strings.TrimSpace(r.LastName),
		PhoneNumber:  strings.TrimSpace(r.PhoneNumber),
		Roles:        slices.Clone(roles),
		PasswordHash: hash,
		CreatedAt:    now,
	}
	s.nextID++
	s.byID[u.ID] = u
	s.byEmail[email] = u
	return *u, nil
}

func (s *userStore) authenticate(email, pw string) (user, error) {
	s.mu.RLock()
	u, ok := s.byEmail[normalizeEmail(email)]
	var cp user
	if ok {
		cp = *u
	}
	s.mu.RUnlock()

	if !ok {
		if s.dummyHash != "" {
			_, _ = s.hasher.Verify(s.dummyHash, pw)
		}
		return user{}, errInvalidCredentials
	}
	match, err := s.hasher.Verify(cp.PasswordHash, pw)
	if err != nil || !match {
		return user{}, errInvalidCredentials
	}
	return cp, nil
}

func (s *userStore) get(id string) (user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return user{}, false
	}
	return *u, true
}

// list returns every user ordered by id.
func (s *userStore) list() []user {
	s.mu.RLock()
	out := make([]user, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, *u)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b user) int {
		ai, _ := strconv.Atoi(a.ID)
		bi, _ := strconv.Atoi(b.ID)
		return ai - bi
	})
	return out
}

// Demo accounts seeded when Config.SeedDemo is set.
var demoAccounts = []struct {
	reg   api.Registration
	roles []string
}{
	{
		reg: api.Registration{
			FirstName: "Mouna", LastName: "Admin", Email: "admin@dash.local",
			PhoneNumber: "+21620000001", Password: "Admin#2024", ConfirmPassword: "Admin#2024",
		},
		roles: []string{RoleAdmin, RoleUser},
	},
	{
		reg: api.Registration{
			FirstName: "Sami", LastName: "Operator", Email: "operator@dash.local",
			PhoneNumber: "+21620000002", Password: "Operator#2024", ConfirmPassword: "Operator#2024",
		},
		roles: []string{RoleUser},
	},
}
