package web

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/dhcgn/mailgate/model"
)

const (
	sessionName = "mailgate_session"

	keyEmail    = "email"
	keyPassword = "password"
	keyDomain   = "domain"
)

type credsKey struct{}

// newCookieStore derives separate signing and encryption keys from the
// configured secret.
func newCookieStore(opts Options) (*sessions.CookieStore, error) {
	if len(opts.EncryptionKey) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 bytes")
	}
	if opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	hashKey := sha256.Sum256([]byte("hash:" + opts.EncryptionKey))
	blockKey := sha256.Sum256([]byte("block:" + opts.EncryptionKey))

	store := sessions.NewCookieStore(hashKey[:], blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(int(opts.SessionTTL.Seconds()))
	return store, nil
}

// sessionCredentials returns the credentials stored in the request's session
// cookie, if any.
func (s *Server) sessionCredentials(r *http.Request) (*sessions.Session, model.Credentials, bool) {
	sess, err := s.store.Get(r, sessionName)
	if err != nil {
		s.log(r).Debug("session cookie rejected", "err", err)
		return sess, model.Credentials{}, false
	}
	email, _ := sess.Values[keyEmail].(string)
	password, _ := sess.Values[keyPassword].(string)
	domain, _ := sess.Values[keyDomain].(string)
	if email == "" || password == "" {
		return sess, model.Credentials{}, false
	}
	return sess, model.Credentials{Email: email, Password: password, Domain: domain}, true
}

func (s *Server) saveCredentials(w http.ResponseWriter, r *http.Request, creds model.Credentials) error {
	sess, err := s.store.Get(r, sessionName)
	if err != nil && sess == nil {
		return err
	}
	sess.Values[keyEmail] = creds.Email
	sess.Values[keyPassword] = creds.Password
	sess.Values[keyDomain] = creds.Domain
	return sess.Save(r, w)
}

// requireSession rejects requests without valid session credentials.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, creds, ok := s.sessionCredentials(r)
		if !ok {
			writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), credsKey{}, creds)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func credentialsFrom(ctx context.Context) (model.Credentials, error) {
	creds, ok := ctx.Value(credsKey{}).(model.Credentials)
	if !ok {
		return model.Credentials{}, model.ErrUnauthenticated
	}
	return creds, nil
}
