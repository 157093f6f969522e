// Package prefs loads per-user preferences from a YAML users file and keeps
// a live copy of them.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/meal-scheduler/internal/crypto"
	"github.com/example/meal-scheduler/internal/domain/meal"
)

// File is the on-disk layout of the users file.
type File struct {
	Users []User `yaml:"users"`
}

type User struct {
	UserID                 string   `yaml:"user_id"`
	LoginID                string   `yaml:"login_id,omitempty"`
	Secret                 string   `yaml:"secret"`
	MenuSequence           []string `yaml:"menu_sequence"`
	FloorName              string   `yaml:"floor_name"`
	NotificationTargets    []string `yaml:"notification_targets,omitempty"`
	AutoReservationEnabled bool     `yaml:"auto_reservation_enabled"`
	ExclusionDates         []string `yaml:"exclusion_dates,omitempty"`
	Timezone               string   `yaml:"timezone,omitempty"`
	Delivery               Delivery `yaml:"delivery,omitempty"`
}

type Delivery struct {
	SiteCode string         `yaml:"site_code,omitempty"`
	MealCode string         `yaml:"meal_code,omitempty"`
	Floor    string         `yaml:"floor_name,omitempty"`
	Extra    map[string]any `yaml:"extra,omitempty"`
}

// Parse decodes a users file. Sealed secrets are opened with aead, which may
// be nil when no secret is sealed.
func Parse(data []byte, aead *crypto.AEAD, def *time.Location) ([]meal.UserPreferences, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &meal.ConfigError{Field: "users_file", Msg: err.Error()}
	}
	seen := make(map[string]bool, len(f.Users))
	out := make([]meal.UserPreferences, 0, len(f.Users))
	for i, u := range f.Users {
		p, err := u.toPreferences(aead, def)
		if err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		if seen[p.UserID] {
			return nil, fmt.Errorf("users[%d]: %w", i, &meal.ConfigError{Field: "user_id", Msg: "duplicate " + p.UserID})
		}
		seen[p.UserID] = true
		out = append(out, p)
	}
	return out, nil
}

func (u User) toPreferences(aead *crypto.AEAD, def *time.Location) (meal.UserPreferences, error) {
	id := strings.TrimSpace(u.UserID)
	if id == "" {
		return meal.UserPreferences{}, &meal.ConfigError{Field: "user_id", Msg: "required"}
	}
	secret := u.Secret
	if crypto.IsSealed(secret) {
		pt, err := aead.Open(id, secret)
		if err != nil {
			return meal.UserPreferences{}, &meal.ConfigError{Field: "secret", Msg: err.Error()}
		}
		secret = pt
	}
	login := u.LoginID
	if login == "" {
		login = id
	}
	p := meal.UserPreferences{
		UserID:                 id,
		Credentials:            meal.Credentials{UserID: login, Secret: secret},
		MenuSequence:           u.MenuSequence,
		FloorName:              u.FloorName,
		NotificationTargets:    u.NotificationTargets,
		AutoReservationEnabled: u.AutoReservationEnabled,
		Timezone:               u.Timezone,
		Delivery: meal.DeliveryDetails{
			SiteCode:  u.Delivery.SiteCode,
			MealCode:  u.Delivery.MealCode,
			FloorName: u.Delivery.Floor,
			Extra:     u.Delivery.Extra,
		},
	}
	loc, err := p.Location(def)
	if err != nil {
		return meal.UserPreferences{}, err
	}
	for _, s := range u.ExclusionDates {
		d, err := meal.ParseDate(s, loc)
		if err != nil {
			return meal.UserPreferences{}, &meal.ConfigError{Field: "exclusion_dates", Msg: err.Error()}
		}
		p.ExclusionDates = append(p.ExclusionDates, d)
	}
	return p, nil
}

// Store holds the current preferences. Readers get copies.
type Store struct {
	path string
	aead *crypto.AEAD
	def  *time.Location

	mu    sync.RWMutex
	users map[string]meal.UserPreferences
}

// Open loads path. A missing file yields an empty store.
func Open(path string, aead *crypto.AEAD, def *time.Location) (*Store, error) {
	if def == nil {
		def = time.Local
	}
	s := &Store{path: path, aead: aead, def: def, users: map[string]meal.UserPreferences{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic serves a fixed set of preferences.
func NewStatic(ps ...meal.UserPreferences) *Store {
	s := &Store{def: time.Local, users: make(map[string]meal.UserPreferences, len(ps))}
	for _, p := range ps {
		s.users[p.UserID] = p
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Reload rereads the file. On error the previous preferences stay in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	ps, err := Parse(data, s.aead, s.def)
	if err != nil {
		return err
	}
	users := make(map[string]meal.UserPreferences, len(ps))
	for _, p := range ps {
		users[p.UserID] = p
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

func (s *Store) Users() []meal.UserPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meal.UserPreferences, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) Get(userID string) (meal.UserPreferences, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	return p, ok
}
