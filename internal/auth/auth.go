// Package auth resolves the calling account from an API token or a verified
// client certificate.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// AccountKey is the gin context key holding the authenticated account ID
	AccountKey = "account_id"

	// DevToken is accepted when no token file exists
	DevToken = "dev-token-12345"
	// DevAccount is the account the development token resolves to
	DevAccount = "dev-account"
)

// Authenticator maps API tokens and client certificates to accounts
type Authenticator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool
	tokens         map[string]string // token -> account ID
}

// NewAuthenticator loads the token file and the optional client CA bundle.
// Missing files select development behaviour rather than failing.
func NewAuthenticator(tokensFile, clientCAFile string) (*Authenticator, error) {
	a := &Authenticator{
		clientCAs: x509.NewCertPool(),
		tokens:    make(map[string]string),
	}

	if err := a.loadClientCAs(clientCAFile); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}
	if err := a.loadTokens(tokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}
	return a, nil
}

func (a *Authenticator) loadClientCAs(path string) error {
	if path == "" {
		return nil
	}
	caCert, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !a.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert %s", path)
	}
	a.clientCALoaded = true
	return nil
}

// tokenEntry is one API token in the token file. Tokens are listed rather
// than keyed because viper folds map keys to lower case.
type tokenEntry struct {
	Token   string `mapstructure:"token"`
	Account string `mapstructure:"account"`
}

// loadTokens reads a YAML token file of the form
//
//	tokens:
//	  - token: tok-alice
//	    account: acct-alice
func (a *Authenticator) loadTokens(path string) error {
	if path == "" {
		return a.useDevToken()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return a.useDevToken()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	var file struct {
		Tokens []tokenEntry `mapstructure:"tokens"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("failed to decode API tokens: %w", err)
	}

	for i, entry := range file.Tokens {
		token, account := strings.TrimSpace(entry.Token), strings.TrimSpace(entry.Account)
		if token == "" || account == "" {
			return fmt.Errorf("tokens[%d]: token and account are required", i)
		}
		a.tokens[token] = account
	}
	return nil
}

func (a *Authenticator) useDevToken() error {
	logrus.Warn("No API token file found, accepting the development token only")
	a.tokens[DevToken] = DevAccount
	return nil
}

// Middleware rejects requests without a known token or verified client
// certificate and stores the resolved account under AccountKey.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if account, ok := a.accountFromToken(c); ok {
			c.Set(AccountKey, account)
			c.Next()
			return
		}

		if account, ok := a.accountFromCertificate(c); ok {
			c.Set(AccountKey, account)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    http.StatusUnauthorized,
		})
	}
}

// accountFromToken checks the Authorization bearer token, then X-API-Token
func (a *Authenticator) accountFromToken(c *gin.Context) (string, bool) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = c.GetHeader("X-API-Token")
	}
	if token == "" {
		return "", false
	}
	account, ok := a.tokens[token]
	return account, ok
}

// accountFromCertificate uses the common name of a client certificate the
// TLS handshake already verified against the client CA pool
func (a *Authenticator) accountFromCertificate(c *gin.Context) (string, bool) {
	state := c.Request.TLS
	if !a.clientCALoaded || state == nil || len(state.VerifiedChains) == 0 {
		return "", false
	}
	cn := state.VerifiedChains[0][0].Subject.CommonName
	return cn, cn != ""
}

// TLSConfig returns a server TLS configuration that verifies client
// certificates when a CA bundle was loaded
func (a *Authenticator) TLSConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if a.clientCALoaded {
		cfg.ClientCAs = a.clientCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (a *Authenticator) IsClientCALoaded() bool {
	return a.clientCALoaded
}

// AccountID returns the account set by the middleware
func AccountID(c *gin.Context) string {
	return c.GetString(AccountKey)
}
