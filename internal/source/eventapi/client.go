// Package eventapi implements the reference tournament source: an
// authenticated JSON API.
package eventapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metagame-cli/internal/fetcher"
	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/source"
)

// DefaultName is the source identifier used in cache keys.
const DefaultName = "eventapi"

const dateLayout = "2006-01-02"

// Adapter talks to one event API deployment. Each Adapter owns its session.
type Adapter struct {
	name    string
	baseURL string
	creds   source.CredentialProvider
	fetch   fetcher.Fetcher
	session *source.Session
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithName overrides the source name (for running two deployments side by side).
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithFetcher sets the HTTP fetcher (for pacing and testing).
func WithFetcher(f fetcher.Fetcher) Option {
	return func(a *Adapter) {
		a.fetch = f
	}
}

// New creates an Adapter for the API at baseURL.
func New(baseURL string, creds source.CredentialProvider, opts ...Option) *Adapter {
	a := &Adapter{
		name:    DefaultName,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
	}
	for _, o := range opts {
		o(a)
	}
	if a.fetch == nil {
		a.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Source: a.name})
	}
	a.session = source.NewSession(a.name, a.login)
	return a
}

// Name implements source.Adapter.
func (a *Adapter) Name() string { return a.name }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (a *Adapter) login(ctx context.Context) (string, error) {
	cred, err := a.creds.Credential(ctx, a.name)
	if err != nil {
		return "", eris.Wrap(err, "eventapi: credentials")
	}
	if cred.Token != "" {
		return cred.Token, nil
	}

	var resp loginResponse
	if err := a.fetch.PostJSON(ctx, a.baseURL+"/api/login", nil,
		loginRequest{Username: cred.Username, Password: cred.Password}, &resp); err != nil {
		return "", eris.Wrap(err, "eventapi: login")
	}
	return resp.Token, nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// listingItem is one row of the listing endpoint.
type listingItem struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListTournaments implements source.Adapter.
func (a *Adapter) ListTournaments(ctx context.Context, format string, start, end time.Time) ([]source.Listing, error) {
	q := url.Values{}
	q.Set("format", format)
	q.Set("start", start.UTC().Format(dateLayout))
	q.Set("end", end.UTC().Format(dateLayout))
	endpoint := a.baseURL + "/api/tournaments?" + q.Encode()

	var items []listingItem
	err := a.session.Do(ctx, func(ctx context.Context, token string) error {
		body, err := a.fetch.Stream(ctx, endpoint, bearer(token))
		if err != nil {
			return err
		}
		defer body.Close() //nolint:errcheck

		items, err = fetcher.CollectJSONArray(ctx, body, func(it listingItem) bool {
			return strings.TrimSpace(it.ID) != ""
		})
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "eventapi: list %s", format)
	}

	out := make([]source.Listing, 0, len(items))
	for _, it := range items {
		out = append(out, source.Listing{
			Key:    model.Key{Source: a.name, Format: format, TournamentID: strings.TrimSpace(it.ID)},
			Status: model.ParseStatus(it.Status),
		})
	}
	return out, nil
}

// FetchTournamentDetail implements source.Adapter.
func (a *Adapter) FetchTournamentDetail(ctx context.Context, format, tournamentID string) (*model.Record, error) {
	endpoint := a.baseURL + "/api/tournaments/" + url.PathEscape(tournamentID)

	var p payload
	err := a.session.Do(ctx, func(ctx context.Context, token string) error {
		p = payload{}
		return a.fetch.GetJSON(ctx, endpoint, bearer(token), &p)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "eventapi: fetch %s", tournamentID)
	}

	rec := p.toRecord(model.Key{Source: a.name, Format: format, TournamentID: tournamentID})
	model.Normalize(rec)
	return rec, nil
}
