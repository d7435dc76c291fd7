package fincharts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type instrumentsResponse struct {
	Paging struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
		Items int `json:"items"`
	} `json:"paging"`
	Data []Instrument `json:"data"`
}

type providersResponse struct {
	Data []string `json:"data"`
}

type exchangesResponse struct {
	Data map[string][]string `json:"data"`
}

// ListInstruments fetches the instrument catalog, optionally filtered by
// provider and kind (e.g. "oanda", "forex"). Empty filters are omitted.
func (c *Client) ListInstruments(ctx context.Context, provider, kind string) ([]Instrument, error) {
	c.logger.Printf("ListInstruments: provider=%s kind=%s", provider, kind)

	query := url.Values{}
	if provider != "" {
		query.Set("provider", provider)
	}
	if kind != "" {
		query.Set("kind", kind)
	}

	requestURL := c.baseURL + "/api/instruments/v1/instruments"
	if encoded := query.Encode(); encoded != "" {
		requestURL += "?" + encoded
	}

	var parsed instrumentsResponse
	if err := c.getJSON(ctx, requestURL, &parsed); err != nil {
		return nil, fmt.Errorf("instrument catalog request failed: %w", err)
	}

	c.logger.Printf("ListInstruments: received %d instruments", len(parsed.Data))
	return parsed.Data, nil
}

// ListProviders fetches the supported data providers.
func (c *Client) ListProviders(ctx context.Context) ([]string, error) {
	var parsed providersResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/instruments/v1/providers", &parsed); err != nil {
		return nil, fmt.Errorf("providers request failed: %w", err)
	}
	return parsed.Data, nil
}

// ListExchanges fetches the exchanges available per provider.
func (c *Client) ListExchanges(ctx context.Context) (map[string][]string, error) {
	var parsed exchangesResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/instruments/v1/exchanges", &parsed); err != nil {
		return nil, fmt.Errorf("exchanges request failed: %w", err)
	}
	return parsed.Data, nil
}

// MatchInstrument reports whether an instrument matches a search term.
// The term is matched case-insensitively as a substring of the symbol, the
// quote currency, the base currency, the description, and the combined
// "base/quote" pair. An empty term matches everything.
func MatchInstrument(term string, inst Instrument) bool {
	needle := strings.ToLower(term)

	pair := ""
	if inst.BaseCurrency != "" && inst.Currency != "" {
		pair = inst.BaseCurrency + "/" + inst.Currency
	}

	haystacks := []string{
		inst.Symbol,
		inst.Currency,
		inst.BaseCurrency,
		inst.Description,
		pair,
	}
	for _, h := range haystacks {
		if h != "" && strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return needle == ""
}

// FilterInstruments returns the instruments matching a search term.
func FilterInstruments(term string, instruments []Instrument) []Instrument {
	var matched []Instrument
	for _, inst := range instruments {
		if MatchInstrument(term, inst) {
			matched = append(matched, inst)
		}
	}
	return matched
}
