package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// ErrUnauthenticated is returned by endpoints that need an identity when the
// request carries none.
var ErrUnauthenticated = errors.New("server: not authenticated")

// Identity is the caller of a request as established by the fronting
// authentication layer.
type Identity struct {
	UserID    string
	TwitterID node.ID
}

// Authenticator resolves a request to an identity. It returns nil and no
// error for anonymous requests.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Headers set by the fronting proxy.
const (
	HeaderUserID    = "X-User-Id"
	HeaderTwitterID = "X-Twitter-Id"
)

// HeaderAuthenticator trusts identity headers set by a fronting proxy. It
// must only be used behind a proxy that strips them from client requests.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	user := strings.TrimSpace(r.Header.Get(HeaderUserID))
	raw := strings.TrimSpace(r.Header.Get(HeaderTwitterID))
	if user == "" && raw == "" {
		return nil, nil
	}
	id := &Identity{UserID: user}
	if raw != "" {
		tid, err := node.ParseID(raw)
		if err != nil {
			return nil, errors.Join(ErrUnauthenticated, err)
		}
		id.TwitterID = tid
	}
	return id, nil
}
