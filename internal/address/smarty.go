package address

import (
	"context"
	"errors"
	"log/slog"
	"time"

	street "github.com/smartystreets/smartystreets-go-sdk/us-street-api"
	"github.com/smartystreets/smartystreets-go-sdk/wireup"
)

// DefaultSmartyURL is the US Street API host. The client appends the
// /street-address path.
const DefaultSmartyURL = "https://us-street.api.smarty.com"

// Smarty verifies addresses with the SmartyStreets US Street API.
type Smarty struct {
	client *street.Client
	logger *slog.Logger
}

type smartyOptions struct {
	baseURL string
	retries int
	timeout time.Duration
	logger  *slog.Logger
}

// SmartyOption customises a Smarty client.
type SmartyOption func(*smartyOptions)

// WithBaseURL points the client at a different host.
func WithBaseURL(u string) SmartyOption {
	return func(o *smartyOptions) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithRetries sets how many times a failed lookup is retried.
func WithRetries(n int) SmartyOption {
	return func(o *smartyOptions) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithLogger sets the logger for provider failures.
func WithLogger(l *slog.Logger) SmartyOption {
	return func(o *smartyOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewSmarty returns a client authenticated with the given secret key pair.
func NewSmarty(authID, authToken string, opts ...SmartyOption) *Smarty {
	o := smartyOptions{
		baseURL: DefaultSmartyURL,
		retries: 2,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	client := wireup.BuildUSStreetAPIClient(
		wireup.SecretKeyCredential(authID, authToken),
		wireup.CustomBaseURL(o.baseURL),
		wireup.MaxRetry(o.retries),
		wireup.Timeout(o.timeout),
	)
	return &Smarty{client: client, logger: o.logger}
}

var errNoLookup = errors.New("smarty: lookup rejected by batch")

// Verify implements Verifier. An address is valid when the provider returns
// at least one candidate carrying a ZIP code. Any provider error rejects it.
func (s *Smarty) Verify(ctx context.Context, raw string) bool {
	addr, err := Parse(raw)
	if err != nil {
		return false
	}
	candidates, err := s.lookup(ctx, addr)
	if err != nil {
		s.logger.WarnContext(ctx, "address verification failed", "err", err)
		return false
	}
	return len(candidates) > 0 && candidates[0].Components.ZIPCode != ""
}

func (s *Smarty) lookup(ctx context.Context, addr Address) ([]*street.Candidate, error) {
	lookup := &street.Lookup{
		Street:        addr.Street,
		City:          addr.City,
		State:         addr.State,
		MaxCandidates: 1,
		MatchStrategy: street.MatchInvalid,
	}
	batch := street.NewBatch()
	if !batch.Append(lookup) {
		return nil, errNoLookup
	}
	if err := s.client.SendBatchWithContext(ctx, batch); err != nil {
		return nil, err
	}
	return lookup.Results, nil
}
