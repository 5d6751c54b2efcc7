package source

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Credential is an opaque login credential for one source. A pre-issued
// Token skips the login exchange.
type Credential struct {
	Username string
	Password string
	Token    string
}

// Empty reports whether no credential material is present.
func (c Credential) Empty() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// CredentialProvider supplies credentials. Storage is the provider's concern.
type CredentialProvider interface {
	Credential(ctx context.Context, source string) (Credential, error)
}

// EnvCredentials reads METAGAME_<SOURCE>_USERNAME, _PASSWORD and _TOKEN.
type EnvCredentials struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Credential implements CredentialProvider.
func (e EnvCredentials) Credential(_ context.Context, source string) (Credential, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := "METAGAME_" + envName(source) + "_"
	get := func(k string) string {
		v, _ := lookup(prefix + k)
		return strings.TrimSpace(v)
	}

	c := Credential{
		Username: get("USERNAME"),
		Password: get("PASSWORD"),
		Token:    get("TOKEN"),
	}
	if c.Empty() {
		return c, eris.Errorf("source: no credentials for %q (set %sUSERNAME/%sPASSWORD or %sTOKEN)", source, prefix, prefix, prefix)
	}
	return c, nil
}

// StaticCredentials serves fixed credentials, keyed by source name.
type StaticCredentials map[string]Credential

// Credential implements CredentialProvider.
func (s StaticCredentials) Credential(_ context.Context, source string) (Credential, error) {
	c, ok := s[source]
	if !ok {
		return Credential{}, eris.Errorf("source: no credentials for %q", source)
	}
	return c, nil
}

func envName(source string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(source) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
