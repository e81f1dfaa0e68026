package realms

import (
	"context"
	"fmt"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// NativeType is the realm type backed by the security database.
const NativeType = "native"

// NativeRealm authenticates against a UserStore.
type NativeRealm struct {
	shield.RealmBase
	store UserStore
	log   logger.Logger
}

func NewNativeRealm(cfg shield.RealmConfig, store UserStore, log logger.Logger) (*NativeRealm, error) {
	if store == nil {
		return nil, fmt.Errorf("native realm requires a user store")
	}
	return &NativeRealm{RealmBase: shield.NewRealmBase(cfg), store: store, log: logger.OrNull(log)}, nil
}

func (r *NativeRealm) Supports(tok shield.AuthenticationToken) bool {
	_, ok := tok.(*shield.UsernamePasswordToken)
	return ok
}

func (r *NativeRealm) Authenticate(ctx context.Context, tok shield.AuthenticationToken) (*shield.Identity, error) {
	u, err := r.store.GetUser(ctx, tok.Principal())
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return verify(u, tok.Credentials())
}

func (r *NativeRealm) LookupUser(ctx context.Context, principal string) (*shield.Identity, error) {
	u, err := r.store.GetUser(ctx, principal)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsEnabled() {
		return nil, nil
	}
	return u.Identity(), nil
}
