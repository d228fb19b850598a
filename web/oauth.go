package web

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jyothri/mailmirror/collect"
	"github.com/jyothri/mailmirror/config"
	"github.com/jyothri/mailmirror/db"
)

func (s *Server) oauth(r *mux.Router) {
	// OAuth routes with smaller body limit (16 KB)
	oauthRouter := r.PathPrefix("/api/").Subrouter()
	oauthRouter.Use(RequestSizeLimitMiddleware(OAuthCallbackMaxBodySize))
	oauthRouter.HandleFunc("/glink", s.GoogleAccountLinkingHandler).Methods("GET")
}

// GoogleAccountLinkingHandler exchanges an authorization code for a refresh
// token and stores it under a new client key.
func (s *Server) GoogleAccountLinkingHandler(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if handleMaxBytesError(w, r, err, OAuthCallbackMaxBodySize) {
		return
	}
	if err != nil {
		slog.Error("Failed to parse OAuth form", "error", err)
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	redirectURI := r.FormValue("redirectUri")
	if redirectURI == "" {
		http.Error(w, "redirectUri not found in request", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		slog.Error("Failed to parse redirect URI", "redirect_uri", redirectURI, "error", err)
		http.Error(w, "Invalid redirect URI", http.StatusBadRequest)
		return
	}
	code := r.FormValue("code")
	if code == "" {
		http.Error(w, "code not found in request", http.StatusBadRequest)
		return
	}

	conf := collect.GoogleOAuthConfig(s.opts.OAuthClientID, s.opts.OAuthClientSecret, redirectURI)
	conf.Endpoint = s.oauthEndpoint
	token, err := conf.Exchange(r.Context(), code)
	if err != nil {
		slog.Warn("Failed to exchange authorization code", "error", err)
		http.Error(w, "Access or Refresh token could not be obtained", http.StatusBadRequest)
		return
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		slog.Warn("Access or Refresh token could not be obtained", "has_access_token", token.AccessToken != "")
		http.Error(w, "Access or Refresh token could not be obtained", http.StatusBadRequest)
		return
	}

	clientKey := generateRandomString(12)
	email, err := s.identity(r.Context(), token.RefreshToken)
	if err != nil {
		slog.Error("Failed to get user identity", "error", err)
		http.Error(w, "Failed to verify account", http.StatusInternalServerError)
		return
	}

	err = s.store.SaveOAuthToken(r.Context(), db.PrivateToken{
		ClientKey:    clientKey,
		Provider:     config.ProviderGmail,
		RefreshToken: token.RefreshToken,
		DisplayName:  getDisplayName(email, clientKey),
	})
	if err != nil {
		slog.Error("Failed to save OAuth token", "client_key", clientKey, "error", err)
		http.Error(w, "Failed to save account information", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", u.Scheme+"://"+u.Host+"/request")
	w.WriteHeader(http.StatusFound)
}

func (s *Server) gmailIdentity(ctx context.Context, refreshToken string) (string, error) {
	g, err := collect.NewGmail(ctx, collect.GmailConfig{
		ClientID:     s.opts.OAuthClientID,
		ClientSecret: s.opts.OAuthClientSecret,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return "", err
	}
	return g.ResolveMailboxIdentity(ctx)
}

// getDisplayName masks the middle of the mailbox name.
func getDisplayName(email string, clientKey string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return clientKey
	}
	username := email[:at]
	if len(username) < 6 {
		return clientKey
	}
	return username[0:3] + "****" + username[len(username)-2:] + email[at:]
}

func generateRandomString(length int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890-"
	b := make([]byte, length)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = chars[int(b[i])%len(chars)]
	}
	return string(b)
}
