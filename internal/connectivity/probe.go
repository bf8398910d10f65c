package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnreachable is returned by a probe that got no usable answer.
var ErrUnreachable = errors.New("remote unreachable")

// Prober checks whether the remote store can be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a func to [Prober].
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber issues a HEAD request against URL. Any response below 500
// counts as reachable; a 5xx or transport error does not.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w: %w", p.URL, ErrUnreachable, err)
	}

	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: %w: status %d", p.URL, ErrUnreachable, resp.StatusCode)
	}

	return nil
}
