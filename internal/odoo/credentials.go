package odoo

import (
	"context"
	"strconv"

	"gate-controller/internal/repository"
)

// Credentials is the persisted session state. Password is kept so an
// expired session can be renewed without an operator.
type Credentials struct {
	URL       string
	DB        string
	Username  string
	Password  string
	UID       int64
	SessionID string
}

type CredentialStore interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
}

const (
	keyURL       = "odoo_url"
	keyDB        = "odoo_db"
	keyUsername  = "odoo_username"
	keyPassword  = "odoo_password"
	keyUID       = "odoo_uid"
	keySessionID = "odoo_session_id"
)

// SettingsStore keeps credentials in the local settings table.
type SettingsStore struct {
	repo *repository.SettingsRepository
}

func NewSettingsStore(repo *repository.SettingsRepository) *SettingsStore {
	return &SettingsStore{repo: repo}
}

func (s *SettingsStore) Load(ctx context.Context) (Credentials, error) {
	vals, err := s.repo.GetAll(ctx, keyURL, keyDB, keyUsername, keyPassword, keyUID, keySessionID)
	if err != nil {
		return Credentials{}, err
	}
	uid, _ := strconv.ParseInt(vals[keyUID], 10, 64)
	return Credentials{
		URL:       vals[keyURL],
		DB:        vals[keyDB],
		Username:  vals[keyUsername],
		Password:  vals[keyPassword],
		UID:       uid,
		SessionID: vals[keySessionID],
	}, nil
}

func (s *SettingsStore) Save(ctx context.Context, c Credentials) error {
	uid := ""
	if c.UID > 0 {
		uid = strconv.FormatInt(c.UID, 10)
	}
	return s.repo.SetMany(ctx, map[string]string{
		keyURL:       c.URL,
		keyDB:        c.DB,
		keyUsername:  c.Username,
		keyPassword:  c.Password,
		keyUID:       uid,
		keySessionID: c.SessionID,
	})
}

// MemoryStore is a CredentialStore for tools and tests that must not touch
// the database.
type MemoryStore struct {
	Creds Credentials
}

func (m *MemoryStore) Load(context.Context) (Credentials, error) {
	return m.Creds, nil
}

func (m *MemoryStore) Save(_ context.Context, c Credentials) error {
	m.Creds = c
	return nil
}
