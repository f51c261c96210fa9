package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAuthJSONRoundTrip(t *testing.T) {
	in := `{
		"AccessToken": "at-abc",
		"RefreshToken": "rt-def",
		"AccountName": "player1",
		"Sub": "6e8bc430-9c3a-11d9-9669-0800200c9a66",
		"ExpiresIn": 3600,
		"RefreshAt": 1700000000000
	}`

	var a Auth
	if err := json.Unmarshal([]byte(in), &a); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	if a.AccessToken != "at-abc" || a.RefreshToken != "rt-def" {
		t.Fatalf("tokens not decoded: %+v", a)
	}
	if a.Sub != uuid.MustParse("6e8bc430-9c3a-11d9-9669-0800200c9a66") {
		t.Fatalf("sub = %s", a.Sub)
	}
	if a.ExpiresIn != time.Hour {
		t.Fatalf("expiresIn = %s", a.ExpiresIn)
	}
	if a.RefreshAt == nil || a.RefreshAt.UnixMilli() != 1700000000000 {
		t.Fatalf("refreshAt = %v", a.RefreshAt)
	}

	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal auth: %v", err)
	}
	for _, key := range []string{`"AccessToken"`, `"RefreshToken"`, `"Sub"`, `"ExpiresIn":3600`, `"RefreshAt":1700000000000`} {
		if !strings.Contains(string(out), key) {
			t.Fatalf("marshaled auth missing %s: %s", key, out)
		}
	}
}

func TestAuthJSONOmitsAbsentRefreshAt(t *testing.T) {
	a := Auth{Sub: uuid.New(), ExpiresIn: time.Hour}
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal auth: %v", err)
	}
	if strings.Contains(string(out), "RefreshAt") {
		t.Fatalf("RefreshAt should be omitted when unset: %s", out)
	}
}

func TestAuthExpired(t *testing.T) {
	buffer := 5 * time.Minute

	a := &Auth{}
	if !a.Expired(buffer) {
		t.Fatal("credential without refresh deadline should count as expired")
	}

	past := time.Now().Add(-time.Minute)
	a.RefreshAt = &past
	if !a.Expired(buffer) {
		t.Fatal("past deadline should be expired")
	}

	soon := time.Now().Add(buffer / 2)
	a.RefreshAt = &soon
	if !a.Expired(buffer) {
		t.Fatal("deadline within the buffer should be expired")
	}

	later := time.Now().Add(buffer + time.Hour)
	a.RefreshAt = &later
	if a.Expired(buffer) {
		t.Fatal("deadline beyond the buffer should not be expired")
	}
}

func TestStoreParsesRotationEnd(t *testing.T) {
	doc := `{"currentRotationEnd":"1700000000000","catalog":{"offers":[1,2,3]}}`

	var s Store
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		t.Fatalf("unmarshal store: %v", err)
	}
	if s.CurrentRotationEnd.UnixMilli() != 1700000000000 {
		t.Fatalf("currentRotationEnd = %v", s.CurrentRotationEnd)
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal store: %v", err)
	}
	if string(out) != doc {
		t.Fatalf("store should round-trip verbatim: got %s", out)
	}
}

func TestStoreRejectsNonStringRotationEnd(t *testing.T) {
	var s Store
	if err := json.Unmarshal([]byte(`{"currentRotationEnd":1700000000000}`), &s); err == nil {
		t.Fatal("numeric currentRotationEnd should fail to decode")
	}
}

func TestStoreValidityIsStrict(t *testing.T) {
	now := time.Now()
	s := Store{CurrentRotationEnd: now}
	if s.Valid(now) {
		t.Fatal("rotation ending exactly now should be expired")
	}
	s.CurrentRotationEnd = now.Add(time.Millisecond)
	if !s.Valid(now) {
		t.Fatal("rotation ending after now should be valid")
	}
}

func TestSummaryKeepsRawDocument(t *testing.T) {
	charID := uuid.New()
	doc := `{"username":"player1","characters":[{"id":"` + charID.String() +
		`","name":"Grim","archetype":"zealot","level":30}],"discriminator":"1234"}`

	var s Summary
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(s.Characters) != 1 {
		t.Fatalf("characters = %d", len(s.Characters))
	}
	c, ok := s.Character(charID)
	if !ok {
		t.Fatal("character lookup failed")
	}
	if c.Archetype != "zealot" || c.Name != "Grim" || c.Level != 30 {
		t.Fatalf("character = %+v", c)
	}
	if _, ok := s.Character(uuid.New()); ok {
		t.Fatal("unknown character should not be found")
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	if string(out) != doc {
		t.Fatalf("summary should round-trip verbatim: got %s", out)
	}
}

func TestAuthLogValueRedactsTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	a := Auth{
		AccessToken:  "super-secret-access",
		RefreshToken: "super-secret-refresh",
		AccountName:  "player1",
		Sub:          uuid.New(),
		ExpiresIn:    time.Hour,
	}
	logger.Info("adding new credential", "auth", a)

	out := buf.String()
	if strings.Contains(out, "super-secret-access") || strings.Contains(out, "super-secret-refresh") {
		t.Fatalf("log output leaks token material: %s", out)
	}
	if !strings.Contains(out, a.Sub.String()) {
		t.Fatalf("log output should carry the sub: %s", out)
	}
}
