package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"

	"github.com/atproto-tools/oauth-client-go/oauth"
	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/gorilla/sessions"
)

type Server struct {
	App         *oauth.ClientApp
	CookieStore *sessions.CookieStore
}

//go:embed "base.html"
var tmplBaseText string

//go:embed "home.html"
var tmplHomeText string
var tmplHome = template.Must(template.Must(template.New("home.html").Parse(tmplBaseText)).Parse(tmplHomeText))

//go:embed "login.html"
var tmplLoginText string
var tmplLogin = template.Must(template.Must(template.New("login.html").Parse(tmplBaseText)).Parse(tmplLoginText))

const cookieName = "oauth-demo"

func (s *Server) currentDID(r *http.Request) *syntax.DID {
	cs, err := s.CookieStore.Get(r, cookieName)
	if err != nil {
		return nil
	}
	raw, ok := cs.Values["did"].(string)
	if !ok {
		return nil
	}
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return nil
	}
	return &did
}

func (s *Server) Homepage(w http.ResponseWriter, r *http.Request) {
	tmplHome.Execute(w, map[string]any{"DID": s.currentDID(r)})
}

func (s *Server) ClientMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.App.Config.ClientMetadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) JWKS(w http.ResponseWriter, r *http.Request) {
	meta, err := s.App.Config.ClientMetadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jwks := meta.JWKS
	if jwks == nil {
		jwks = &oauth.JWKS{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jwks)
}

func (s *Server) LoginForm(w http.ResponseWriter, r *http.Request) {
	tmplLogin.Execute(w, nil)
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	identifier := r.FormValue("identifier")
	if identifier == "" {
		http.Error(w, "account identifier is required", http.StatusBadRequest)
		return
	}
	redirectURL, err := s.App.StartAuthFlow(r.Context(), identifier)
	if err != nil {
		slog.Error("starting auth flow", "identifier", identifier, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	sess, err := s.App.ProcessCallback(r.Context(), r.URL.Query())
	if err != nil {
		var cbErr *oauth.CallbackError
		if errors.As(err, &cbErr) {
			slog.Warn("auth flow failed", "code", cbErr.Code, "description", cbErr.Description)
		} else {
			slog.Error("processing callback", "err", err)
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cs, _ := s.CookieStore.Get(r, cookieName)
	cs.Values["did"] = sess.AccountDID.String()
	if err := cs.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if did := s.currentDID(r); did != nil {
		if err := s.App.RevokeSession(r.Context(), *did); err != nil {
			slog.Warn("revoking session", "did", did, "err", err)
		}
	}
	cs, _ := s.CookieStore.Get(r, cookieName)
	cs.Options.MaxAge = -1
	cs.Save(r, w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// AccountInfo proxies an authenticated request to the account's PDS, showing
// the session machinery end to end.
func (s *Server) AccountInfo(w http.ResponseWriter, r *http.Request) {
	did := s.currentDID(r)
	if did == nil {
		http.Redirect(w, r, "/oauth/login", http.StatusFound)
		return
	}
	sess, err := s.App.ResumeSession(r.Context(), *did)
	if err != nil {
		slog.Error("resuming session", "did", did, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp, err := sess.Get(r.Context(), "/xrpc/com.atproto.server.getSession")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
