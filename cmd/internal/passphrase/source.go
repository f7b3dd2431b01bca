// Package passphrase resolves operator secrets from an environment variable
// or an interactive terminal prompt.
package passphrase

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string
	what   string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source for the named secret that checks envVar
// before interactively prompting on the terminal.
func NewSource(envVar, what string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), what: what}
}

// Get returns the cached secret or resolves it on the first call. When the
// environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.what, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.what)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s: ", s.what)
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.what, err)
			return
		}

		secret := string(bytes)
		if strings.TrimSpace(secret) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.what)
			return
		}

		s.value = secret
	})

	return s.value, s.err
}
