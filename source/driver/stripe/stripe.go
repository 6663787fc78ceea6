// Package stripe is the Stripe connector: it pages customers, invoices,
// and charges through the REST API's cursor pagination, emitting an
// incremental cursor after each page so an interrupted run resumes where
// it stopped.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/auth"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/source"
)

const (
	defaultEndpoint = "https://api.stripe.com"
	pageSize        = 100
	requestAttempts = 5
)

// Customer is a Stripe customer record.
type Customer struct {
	entity.Base
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Created  int64  `json:"created,omitempty"`
	Currency string `json:"currency,omitempty"`
}

func (*Customer) Tag() string { return "stripe/customer" }

// Invoice is a Stripe invoice record.
type Invoice struct {
	entity.Base
	CustomerID string `json:"customer_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Total      int64  `json:"total,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Created    int64  `json:"created,omitempty"`
}

func (*Invoice) Tag() string { return "stripe/invoice" }

// Charge is a Stripe charge record.
type Charge struct {
	entity.Base
	CustomerID  string `json:"customer_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
	Created     int64  `json:"created,omitempty"`
}

func (*Charge) Tag() string { return "stripe/charge" }

// Tags lists the entity tags this connector produces, for registry
// setup.
func Tags() []string { return []string{"stripe/customer", "stripe/invoice", "stripe/charge"} }

// Config tunes the connector. Endpoint is overridable for tests.
type Config struct {
	Endpoint  string   `json:"endpoint,omitempty" yaml:"endpoint"`
	Resources []string `json:"resources,omitempty" yaml:"resources"`
}

// Validate returns an error if the Config isn't usable.
func (c Config) Validate() error {
	for _, r := range c.Resources {
		switch r {
		case "customers", "invoices", "charges":
			// Pass.
		default:
			return fmt.Errorf("unknown stripe resource %q", r)
		}
	}
	return nil
}

// Source pages the Stripe API.
type Source struct {
	source.Base
	config Config
	client *http.Client
}

// NewFactory returns the registry factory for this connector. The API
// key arrives as credentials and is wrapped into a non-refreshable
// token manager unless the orchestrator injects a managed one.
func NewFactory() source.Factory {
	return func(credentials, config json.RawMessage) (source.Source, error) {
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("parsing stripe config: %w", err)
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		var src = New(cfg)

		var creds struct {
			APIKey string `json:"api_key"`
		}
		if len(credentials) > 0 {
			if err := json.Unmarshal(credentials, &creds); err != nil {
				return nil, fmt.Errorf("parsing stripe credentials: %w", err)
			}
		}
		if creds.APIKey != "" {
			src.SetTokenManager(auth.NewManager(creds.APIKey, nil))
		}
		return src, nil
	}
}

func New(config Config) *Source {
	return &Source{config: config, client: http.DefaultClient}
}

// WithClient overrides the HTTP client, for tests.
func (s *Source) WithClient(c *http.Client) *Source {
	s.client = c
	return s
}

func (s *Source) Name() string { return "stripe" }

func (s *Source) endpoint() string {
	if s.config.Endpoint != "" {
		return s.config.Endpoint
	}
	return defaultEndpoint
}

func (s *Source) resources() []string {
	if len(s.config.Resources) > 0 {
		return s.config.Resources
	}
	return []string{"customers", "invoices", "charges"}
}

// Validate probes the API with a single-item list call.
func (s *Source) Validate(ctx context.Context) error {
	var _, err = s.page(ctx, "customers", url.Values{"limit": {"1"}})
	if err != nil {
		return fmt.Errorf("probing stripe API: %w", err)
	}
	return nil
}

// object is the wire shape shared by all listed resources; fields not
// relevant to a resource are simply absent.
type object struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Customer    string `json:"customer"`
	Status      string `json:"status"`
	Total       int64  `json:"total"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Created     int64  `json:"created"`
}

type listResponse struct {
	Data    []object `json:"data"`
	HasMore bool     `json:"has_more"`
}

func (s *Source) GenerateEntities(ctx context.Context) <-chan source.Result {
	var out = make(chan source.Result)
	go func() {
		defer close(out)

		var cursor = map[string]string{}
		if err := json.Unmarshal(s.Cursor(), &cursor); err != nil {
			cursor = map[string]string{}
		}

		for _, resource := range s.resources() {
			if err := s.pageResource(ctx, resource, cursor[resource], out); err != nil {
				out <- source.Result{Err: err}
				return
			}
		}
	}()
	return out
}

// pageResource walks one resource from |after| to the end, emitting a
// cursor patch with each page so progress survives interruption.
func (s *Source) pageResource(ctx context.Context, resource, after string, out chan<- source.Result) error {
	for {
		var query = url.Values{"limit": {strconv.Itoa(pageSize)}}
		if after != "" {
			query.Set("starting_after", after)
		}

		var page, err = s.page(ctx, resource, query)
		if err != nil {
			return fmt.Errorf("listing %s: %w", resource, err)
		}
		s.Logger().WithFields(log.Fields{
			"resource": resource,
			"count":    len(page.Data),
		}).Debug("fetched stripe page")

		for _, obj := range page.Data {
			var patch, _ = json.Marshal(map[string]string{resource: obj.ID})
			select {
			case out <- source.Result{Entity: s.build(resource, obj), Cursor: patch}:
			case <-ctx.Done():
				return ctx.Err()
			}
			after = obj.ID
		}
		if !page.HasMore || len(page.Data) == 0 {
			return nil
		}
	}
}

func (s *Source) build(resource string, obj object) entity.Entity {
	var base = entity.Base{ID: obj.ID}
	switch resource {
	case "invoices":
		return &Invoice{
			Base: base, CustomerID: obj.Customer, Status: obj.Status,
			Total: obj.Total, Currency: obj.Currency, Created: obj.Created,
		}
	case "charges":
		return &Charge{
			Base: base, CustomerID: obj.Customer, Amount: obj.Amount,
			Currency: obj.Currency, Status: obj.Status,
			Description: obj.Description, Created: obj.Created,
		}
	default:
		return &Customer{
			Base: base, Name: obj.Name, Email: obj.Email,
			Created: obj.Created, Currency: obj.Currency,
		}
	}
}

// page performs one authorized list call, refreshing the token once on
// 401 and backing off on 429 and 5xx, honoring Retry-After.
func (s *Source) page(ctx context.Context, resource string, query url.Values) (*listResponse, error) {
	var refreshed bool
	for attempt := 0; true; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
			// Pass.
		}

		var token string
		if tm := s.TokenManager(); tm != nil {
			var err error
			if token, err = tm.Token(ctx); err != nil {
				return nil, err
			}
		}

		var req, err = http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint()+"/v1/"+resource+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		var resp *http.Response
		if resp, err = s.client.Do(req); err != nil {
			if attempt+1 >= requestAttempts {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && s.TokenManager() != nil && !refreshed:
			resp.Body.Close()
			refreshed = true
			if _, err = s.TokenManager().RefreshOnUnauthorized(ctx, token); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			var wait = retryAfter(resp)
			resp.Body.Close()
			if attempt+1 >= requestAttempts {
				return nil, fmt.Errorf("stripe API returned status %d after %d attempts", resp.StatusCode, requestAttempts)
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
					// Pass.
				}
			}
			continue

		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, fmt.Errorf("stripe API returned status %d", resp.StatusCode)
		}

		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding %s page: %w", resource, err)
		}
		return &page, nil
	}
	panic("not reached")
}

func retryAfter(resp *http.Response) time.Duration {
	var secs, err = strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Millisecond * 100
	default:
		return time.Second * time.Duration(attempt-1)
	}
}
