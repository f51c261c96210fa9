package auth

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/api"
)

// credRecord is the persisted credential shape. Integer keys keep the CBOR
// encoding compact; never renumber fields, only append.
type credRecord struct {
	AccessToken  string `cbor:"1,keyasint"`
	RefreshToken string `cbor:"2,keyasint"`
	AccountName  string `cbor:"3,keyasint"`
	Sub          []byte `cbor:"4,keyasint"`
	ExpiresInSec int64  `cbor:"5,keyasint"`
	RefreshAtMs  *int64 `cbor:"6,keyasint,omitempty"`
}

func encodeCredential(cred *api.Auth) ([]byte, error) {
	rec := credRecord{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		AccountName:  cred.AccountName,
		Sub:          cred.Sub[:],
		ExpiresInSec: int64(cred.ExpiresIn / time.Second),
	}
	if cred.RefreshAt != nil {
		ms := cred.RefreshAt.UnixMilli()
		rec.RefreshAtMs = &ms
	}
	b, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return b, nil
}

func decodeCredential(b []byte) (*api.Auth, error) {
	var rec credRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	sub, err := uuid.FromBytes(rec.Sub)
	if err != nil {
		return nil, fmt.Errorf("decode credential sub: %w", err)
	}
	cred := &api.Auth{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		AccountName:  rec.AccountName,
		Sub:          sub,
		ExpiresIn:    time.Duration(rec.ExpiresInSec) * time.Second,
	}
	if rec.RefreshAtMs != nil {
		t := time.UnixMilli(*rec.RefreshAtMs).UTC()
		cred.RefreshAt = &t
	}
	return cred, nil
}
