// Command sample-client runs the authorization code flow with PKCE against a
// running oidc-front instance. It prints the authorization URL, receives the
// redirect on a local callback server, and exchanges the code for a token.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
)

func main() {
	issuer := flag.String("issuer", "http://localhost:3000", "oidc-front base URL")
	clientID := flag.String("client-id", "sample-client", "OAuth client ID")
	listen := flag.String("listen", "localhost:9000", "callback listen address")
	scope := flag.String("scope", "openid profile", "requested scopes")
	flag.Parse()

	redirectURL := fmt.Sprintf("http://%s/cb", *listen)
	conf := &oauth2.Config{
		ClientID:    *clientID,
		RedirectURL: redirectURL,
		Scopes:      []string{*scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  *issuer + "/authorize",
			TokenURL: *issuer + "/token",
		},
	}

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	fmt.Println("Open the following URL in your browser:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	type callbackResult struct {
		code string
		err  error
	}
	resultChan := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/cb", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			fmt.Fprintf(w, "Authorization failed: %s\n", errCode)
			resultChan <- callbackResult{err: fmt.Errorf("authorization failed: %s (%s)", errCode, q.Get("error_description"))}
			return
		}
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultChan <- callbackResult{err: fmt.Errorf("state mismatch in callback")}
			return
		}
		fmt.Fprintln(w, "Authorization complete, you can close this tab.")
		resultChan <- callbackResult{code: q.Get("code")}
	})

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			resultChan <- callbackResult{err: fmt.Errorf("callback server error: %w", err)}
		}
	}()

	result := <-resultChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if result.err != nil {
		fmt.Fprintln(os.Stderr, result.err)
		os.Exit(1)
	}

	token, err := conf.Exchange(context.Background(), result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		fmt.Fprintf(os.Stderr, "token exchange failed: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expiry":       token.Expiry.Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to format token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
