package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CurrencyType selects which per-character storefront to fetch.
type CurrencyType string

const (
	CurrencyMarks   CurrencyType = "marks"
	CurrencyCredits CurrencyType = "credits"
)

// ParseCurrencyType validates a currencyType query value.
func ParseCurrencyType(s string) (CurrencyType, error) {
	switch CurrencyType(s) {
	case CurrencyMarks:
		return CurrencyMarks, nil
	case CurrencyCredits:
		return CurrencyCredits, nil
	}
	return "", fmt.Errorf("unknown currency type %q", s)
}

// Character is the slice of the account summary the proxy inspects. The
// archetype names the storefront; the rest is carried for log context.
type Character struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Archetype string    `json:"archetype"`
	Level     int       `json:"level"`
}

// Summary is the upstream account summary. Only the characters array is
// decoded; the rest of the document is kept verbatim and served back
// byte-for-byte.
type Summary struct {
	Characters []Character

	raw json.RawMessage
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var probe struct {
		Characters []Character `json:"characters"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	s.Characters = probe.Characters
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Summary) MarshalJSON() ([]byte, error) {
	if s.raw == nil {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// Character returns the summary's character with the given id.
func (s *Summary) Character(id uuid.UUID) (Character, bool) {
	for _, c := range s.Characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// Store is a per-character storefront document. It is opaque except for
// currentRotationEnd, a ms-since-epoch string marking when the offer
// rotation it was fetched for ends.
type Store struct {
	CurrentRotationEnd time.Time

	raw json.RawMessage
}

func (s *Store) UnmarshalJSON(data []byte) error {
	var probe struct {
		CurrentRotationEnd string `json:"currentRotationEnd"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	ms, err := strconv.ParseInt(probe.CurrentRotationEnd, 10, 64)
	if err != nil {
		return fmt.Errorf("currentRotationEnd: %w", err)
	}
	s.CurrentRotationEnd = time.UnixMilli(ms).UTC()
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Store) MarshalJSON() ([]byte, error) {
	if s.raw == nil {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// Valid reports whether the store's rotation is still running. A rotation
// ending exactly at now counts as expired.
func (s *Store) Valid(now time.Time) bool {
	return s.CurrentRotationEnd.After(now)
}

// MasterData is entirely opaque to the proxy; it is cached and served
// verbatim.
type MasterData struct {
	raw json.RawMessage
}

func (m *MasterData) UnmarshalJSON(data []byte) error {
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (m MasterData) MarshalJSON() ([]byte, error) {
	if m.raw == nil {
		return []byte("null"), nil
	}
	return m.raw, nil
}

// Auth is the credential bundle the upstream issues per account. Sub is the
// canonical account key. AccessToken and RefreshToken are sensitive and
// must never reach logs; Auth implements slog.LogValuer to that end.
type Auth struct {
	AccessToken  string
	RefreshToken string
	AccountName  string
	Sub          uuid.UUID
	ExpiresIn    time.Duration
	RefreshAt    *time.Time
}

// authWire is the upstream JSON shape: PascalCase keys, ExpiresIn in
// seconds, RefreshAt in ms since epoch.
type authWire struct {
	AccessToken  string    `json:"AccessToken"`
	RefreshToken string    `json:"RefreshToken"`
	AccountName  string    `json:"AccountName"`
	Sub          uuid.UUID `json:"Sub"`
	ExpiresIn    int64     `json:"ExpiresIn"`
	RefreshAt    *int64    `json:"RefreshAt,omitempty"`
}

func (a Auth) MarshalJSON() ([]byte, error) {
	w := authWire{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		AccountName:  a.AccountName,
		Sub:          a.Sub,
		ExpiresIn:    int64(a.ExpiresIn / time.Second),
	}
	if a.RefreshAt != nil {
		ms := a.RefreshAt.UnixMilli()
		w.RefreshAt = &ms
	}
	return json.Marshal(w)
}

func (a *Auth) UnmarshalJSON(data []byte) error {
	var w authWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.AccessToken = w.AccessToken
	a.RefreshToken = w.RefreshToken
	a.AccountName = w.AccountName
	a.Sub = w.Sub
	a.ExpiresIn = time.Duration(w.ExpiresIn) * time.Second
	a.RefreshAt = nil
	if w.RefreshAt != nil {
		t := time.UnixMilli(*w.RefreshAt).UTC()
		a.RefreshAt = &t
	}
	return nil
}

// Expired reports whether the credential is due for refresh within the
// given buffer. A credential without a refresh deadline counts as expired.
func (a *Auth) Expired(buffer time.Duration) bool {
	return a.RefreshAt == nil || !a.RefreshAt.After(time.Now().Add(buffer))
}

// LogValue keeps tokens out of log output.
func (a Auth) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("sub", a.Sub.String()),
		slog.String("accountName", a.AccountName),
		slog.Duration("expiresIn", a.ExpiresIn),
	}
	if a.RefreshAt != nil {
		attrs = append(attrs, slog.Time("refreshAt", *a.RefreshAt))
	}
	return slog.GroupValue(attrs...)
}
