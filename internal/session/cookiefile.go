package session

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

const (
	snapshotName   = "mealsched_session"
	snapshotMaxAge = 14 * 24 * time.Hour
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type snapshot struct {
	UserID  string         `json:"uid"`
	SavedAt time.Time      `json:"saved_at"`
	Cookies []*http.Cookie `json:"cookies"`
}

// FileStore writes one signed and encrypted snapshot per user under Dir.
type FileStore struct {
	Dir string
	sc  *securecookie.SecureCookie
}

func NewFileStore(dir string, hashKey, blockKey []byte) *FileStore {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(snapshotMaxAge.Seconds()))
	sc.MaxLength(0)
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &FileStore{Dir: dir, sc: sc}
}

func (s *FileStore) path(userID string) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(userID), "_")
	return filepath.Join(s.Dir, name+".session")
}

func (s *FileStore) Load(userID string) ([]*http.Cookie, error) {
	b, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, meal.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := s.sc.Decode(snapshotName, strings.TrimSpace(string(b)), &snap); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	if snap.UserID != userID {
		return nil, fmt.Errorf("session snapshot belongs to %q", snap.UserID)
	}
	return snap.Cookies, nil
}

func (s *FileStore) Save(userID string, cookies []*http.Cookie) error {
	enc, err := s.sc.Encode(snapshotName, snapshot{UserID: userID, SavedAt: time.Now().UTC(), Cookies: cookies})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	tmp := s.path(userID) + ".tmp"
	if err := os.WriteFile(tmp, []byte(enc), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(userID))
}
