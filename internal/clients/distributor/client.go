// Package distributor provides the client for the market-data distributor:
// downstream registration and historical bar queries used during replay.
package distributor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/tradesim/internal/domain"
)

// Client talks to one distributor instance.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewClient creates a distributor client against the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		http: httpClient,
		log:  log.With().Str("client", "distributor").Logger(),
	}
}

type registration struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Register adds this process as a bar push downstream.
func (c *Client) Register(ctx context.Context, host string, port int) error {
	var out registerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(registration{Host: host, Port: port}).
		SetResult(&out).
		Post("/v1/register")
	if err != nil {
		return fmt.Errorf("failed to register with distributor: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("distributor rejected registration: %s (%s)", resp.Status(), out.Error)
	}

	c.log.Info().Str("host", host).Int("port", port).Msg("Registered for bar pushes")
	return nil
}

// Unregister removes this process from the push registry. Errors are
// returned but safe to ignore on shutdown.
func (c *Client) Unregister(ctx context.Context, host string, port int) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(registration{Host: host, Port: port}).
		Post("/v1/unregister")
	if err != nil {
		return fmt.Errorf("failed to unregister from distributor: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("distributor rejected unregistration: %s", resp.Status())
	}
	return nil
}

type barsResponse struct {
	Bars []domain.MinuteBar `json:"bars"`
}

// FetchBars retrieves bars strictly inside (from, to) for every symbol,
// fetching symbols concurrently. The merged result is ordered by timestamp
// then symbol.
func (c *Client) FetchBars(ctx context.Context, symbols []string, from, to time.Time) ([]domain.MinuteBar, error) {
	var mu sync.Mutex
	var merged []domain.MinuteBar

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for _, symbol := range symbols {
		group.Go(func() error {
			var out barsResponse
			resp, err := c.http.R().
				SetContext(groupCtx).
				SetQueryParam("from", fmt.Sprintf("%d", from.Unix())).
				SetQueryParam("to", fmt.Sprintf("%d", to.Unix())).
				SetResult(&out).
				Get("/v1/bars/" + symbol)
			if err != nil {
				return fmt.Errorf("failed to fetch bars for %s: %w", symbol, err)
			}
			if resp.IsError() {
				return fmt.Errorf("distributor returned %s for %s", resp.Status(), symbol)
			}

			mu.Lock()
			merged = append(merged, out.Bars...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Symbol < merged[j].Symbol
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	c.log.Debug().
		Int("bars", len(merged)).
		Time("from", from).
		Time("to", to).
		Msg("Back-fill fetched")
	return merged, nil
}
