package prefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meal-scheduler/internal/crypto"
	"github.com/example/meal-scheduler/internal/domain/meal"
	"github.com/example/meal-scheduler/internal/logger"
)

var kst = time.FixedZone("KST", 9*3600)

const sample = `
users:
  - user_id: alice
    secret: pw
    menu_sequence: ["0005", "S", "salad"]
    floor_name: 10F
    notification_targets: ["alice@example.com"]
    auto_reservation_enabled: true
    exclusion_dates: ["2025-03-10", "20250311"]
    delivery:
      site_code: "196274"
      extra:
        dlvrPlcCd: "A1"
  - user_id: bob
    login_id: bob-login
    secret: pw2
    menu_sequence: ["0006"]
`

func TestParse(t *testing.T) {
	ps, err := Parse([]byte(sample), nil, kst)
	require.NoError(t, err)
	require.Len(t, ps, 2)

	a := ps[0]
	assert.Equal(t, "alice", a.UserID)
	assert.Equal(t, meal.Credentials{UserID: "alice", Secret: "pw"}, a.Credentials)
	assert.Equal(t, []string{"0005", "S", "salad"}, a.MenuSequence)
	assert.True(t, a.AutoReservationEnabled)
	assert.Equal(t, "196274", a.Delivery.SiteCode)
	assert.Equal(t, "A1", a.Delivery.Extra["dlvrPlcCd"])
	require.Len(t, a.ExclusionDates, 2)
	assert.True(t, a.Excludes(time.Date(2025, 3, 10, 12, 0, 0, 0, kst)))
	assert.True(t, a.Excludes(time.Date(2025, 3, 11, 0, 0, 0, 0, kst)))

	assert.Equal(t, "bob-login", ps[1].Credentials.UserID)
	assert.False(t, ps[1].AutoReservationEnabled)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"missing id":    "users:\n  - secret: x\n",
		"duplicate id":  "users:\n  - user_id: a\n  - user_id: a\n",
		"bad date":      "users:\n  - user_id: a\n    exclusion_dates: [\"tomorrow\"]\n",
		"bad timezone":  "users:\n  - user_id: a\n    timezone: Mars/Olympus\n",
		"sealed no key": "users:\n  - user_id: a\n    secret: \"sealed:AAAA\"\n",
		"not yaml":      "users: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil, kst)
			assert.True(t, meal.IsConfigError(err), "got %v", err)
		})
	}
}

func TestParseSealedSecret(t *testing.T) {
	aead, err := crypto.New(make([]byte, 32))
	require.NoError(t, err)
	sealed, err := aead.Seal("alice", "s3cret")
	require.NoError(t, err)

	doc := "users:\n  - user_id: alice\n    secret: \"" + sealed + "\"\n    menu_sequence: [\"0005\"]\n"
	ps, err := Parse([]byte(doc), aead, kst)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", ps[0].Credentials.Secret)
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	s, err := Open(path, nil, kst)
	require.NoError(t, err)
	assert.Len(t, s.Users(), 2)

	require.NoError(t, os.WriteFile(path, []byte("users: ["), 0o600))
	assert.Error(t, s.Reload())
	_, ok := s.Get("alice")
	assert.True(t, ok)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "none.yaml"), nil, kst)
	require.NoError(t, err)
	assert.Empty(t, s.Users())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - user_id: alice\n"), 0o600))
	s, err := Open(path, nil, kst)
	require.NoError(t, err)

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(s, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// the watch is registered asynchronously; keep rewriting until seen
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(sample), 0o600)
		select {
		case <-changed:
			return true
		default:
			return false
		}
	}, 5*time.Second, 300*time.Millisecond)

	_, ok := s.Get("bob")
	assert.True(t, ok)
}
