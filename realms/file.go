package realms

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/logger"
)

// FileType is the file realm type, the baseline internal realm.
const FileType = "file"

// SettingUsersFile points the file realm at its users file.
const SettingUsersFile = "files.users"

// FileRealm authenticates against a YAML users file:
//
//	alice:
//	  password: "$2a$10$..."
//	  roles: [ops]
type FileRealm struct {
	shield.RealmBase
	path      string
	log       logger.Logger
	mu        sync.RWMutex
	users     map[string]*User
	listeners []func()
}

// NewFileRealm loads the users file named in the realm settings. Without one
// the realm starts empty.
func NewFileRealm(cfg shield.RealmConfig, log logger.Logger) (*FileRealm, error) {
	r := &FileRealm{
		RealmBase: shield.NewRealmBase(cfg),
		path:      cfg.Settings.String(SettingUsersFile, ""),
		log:       logger.OrNull(log),
		users:     map[string]*User{},
	}
	if r.path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseUsers decodes the users file format.
func ParseUsers(data []byte) (map[string]*User, error) {
	users := map[string]*User{}
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	for name, u := range users {
		if u == nil || u.PasswordHash == "" {
			return nil, fmt.Errorf("user [%s] has no password hash", name)
		}
		u.Username = name
	}
	return users, nil
}

// Reload re-reads the users file and notifies listeners.
func (r *FileRealm) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	users, err := ParseUsers(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.users = users
	listeners := append([]func(){}, r.listeners...)
	r.mu.Unlock()
	r.log.Info("loaded users file", "realm", r.Name(), "path", r.path, "users", len(users))
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnReload registers fn to run after every successful reload.
func (r *FileRealm) OnReload(fn func()) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *FileRealm) user(name string) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[name]
}

func (r *FileRealm) Supports(tok shield.AuthenticationToken) bool {
	_, ok := tok.(*shield.UsernamePasswordToken)
	return ok
}

func (r *FileRealm) Authenticate(_ context.Context, tok shield.AuthenticationToken) (*shield.Identity, error) {
	return verify(r.user(tok.Principal()), tok.Credentials())
}

func (r *FileRealm) LookupUser(_ context.Context, principal string) (*shield.Identity, error) {
	u := r.user(principal)
	if u == nil || !u.IsEnabled() {
		return nil, nil
	}
	return u.Identity(), nil
}

// FilesToWatch returns the users file.
func (r *FileRealm) FilesToWatch() []string {
	if r.path == "" {
		return nil
	}
	return []string{r.path}
}
