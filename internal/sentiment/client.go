// Package sentiment queries an external advisory service for a
// per-instrument buy/sell lean. The signal only nudges the entry score;
// a missing or failing service never blocks a trading cycle.
package sentiment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Decision is the service's qualitative lean.
type Decision string

const (
	Positive Decision = "positive"
	Negative Decision = "negative"
	Neutral  Decision = "neutral"
)

// Signal is one advisory reading.
type Signal struct {
	Decision      Decision `json:"decision"`
	ConfidencePct float64  `json:"confidencePct"`
}

// Provider fetches signals. Satisfied by Client and by test fakes.
type Provider interface {
	GetSignal(ctx context.Context, instrument string) (Signal, error)
}

// Client calls the advisory HTTP endpoint.
type Client struct {
	base string
	rest *resty.Client
}

func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{base: base, rest: r}
}

func (c *Client) GetSignal(ctx context.Context, instrument string) (Signal, error) {
	var sig Signal
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("instrument", instrument).
		SetResult(&sig).
		Get(c.base + "/v1/sentiment")
	if err != nil {
		return Signal{Decision: Neutral}, fmt.Errorf("sentiment for %s: %w", instrument, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Signal{Decision: Neutral}, fmt.Errorf("sentiment for %s: status %d", instrument, resp.StatusCode())
	}
	switch sig.Decision {
	case Positive, Negative, Neutral:
	default:
		log.Debug().Str("instrument", instrument).Str("decision", string(sig.Decision)).Msg("unknown sentiment decision, treating as neutral")
		sig.Decision = Neutral
	}
	return sig, nil
}
