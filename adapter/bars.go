package fincharts

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Bars are requested as 1-minute candles counted back from now.
const (
	barInterval    = 1
	barPeriodicity = "minute"
)

type barsResponse struct {
	Data []Bar `json:"data"`
}

// GetHistoricalBars fetches the most recent barsCount minute bars for an
// instrument, oldest first. Results are cached briefly per instrument.
func (c *Client) GetHistoricalBars(ctx context.Context, instrumentID, provider string, barsCount int) ([]Bar, error) {
	cacheKey := fmt.Sprintf("%s_%s_%d", instrumentID, provider, barsCount)

	c.cacheMutex.RLock()
	if cached, exists := c.barsCache[cacheKey]; exists {
		if time.Since(cached.Timestamp) < c.cacheExpiry {
			c.cacheMutex.RUnlock()
			c.logger.Printf("Bars from cache: %s (age: %v)", instrumentID, time.Since(cached.Timestamp))
			return cached.Bars, nil
		}
	}
	c.cacheMutex.RUnlock()

	query := url.Values{}
	query.Set("instrumentId", instrumentID)
	query.Set("provider", provider)
	query.Set("interval", strconv.Itoa(barInterval))
	query.Set("periodicity", barPeriodicity)
	query.Set("barsCount", strconv.Itoa(barsCount))

	requestURL := c.baseURL + "/api/bars/v1/bars/count-back?" + query.Encode()
	c.logger.Printf("GetHistoricalBars: fetching %d bars for %s", barsCount, instrumentID)

	var parsed barsResponse
	if err := c.getJSON(ctx, requestURL, &parsed); err != nil {
		return nil, fmt.Errorf("bars request failed: %w", err)
	}

	c.cacheMutex.Lock()
	c.barsCache[cacheKey] = &cachedBars{
		Bars:      parsed.Data,
		Timestamp: time.Now(),
	}
	c.cacheMutex.Unlock()

	c.logger.Printf("GetHistoricalBars: received %d bars for %s", len(parsed.Data), instrumentID)
	return parsed.Data, nil
}
