package fincharts

import "time"

// Message type discriminators used on the streaming channel.
const (
	MessageTypeL1Update       = "l1-update"
	MessageTypeL1Subscription = "l1-subscription"
)

// DefaultQuoteKinds lists the quote sides requested with every subscription.
var DefaultQuoteKinds = []string{"ask", "bid", "last"}

// Instrument describes a tradable instrument from the platform catalog.
type Instrument struct {
	ID           string                       `json:"id"`
	Symbol       string                       `json:"symbol"`
	Kind         string                       `json:"kind"`
	Exchange     string                       `json:"exchange"`
	Description  string                       `json:"description"`
	TickSize     float64                      `json:"tickSize"`
	Currency     string                       `json:"currency"`
	BaseCurrency string                       `json:"baseCurrency"`
	Mappings     map[string]InstrumentMapping `json:"mappings,omitempty"`
}

// InstrumentMapping carries the per-provider symbol and exchange aliases.
type InstrumentMapping struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Bar is a single OHLCV candle. Time unmarshals from the ISO-8601 "t" field.
type Bar struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// Quote is one side (bid, ask or last) of an L1 update.
type Quote struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// L1Update is an inbound real-time quote message. Each update carries one or
// more of the bid, ask and last sides.
type L1Update struct {
	Type         string `json:"type"`
	InstrumentID string `json:"instrumentId"`
	Provider     string `json:"provider"`
	Bid          *Quote `json:"bid,omitempty"`
	Ask          *Quote `json:"ask,omitempty"`
	Last         *Quote `json:"last,omitempty"`
}

// SubscriptionFrame is the outbound subscribe/unsubscribe message.
// ID is a client-side sequence number encoded as a string.
type SubscriptionFrame struct {
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	InstrumentID string   `json:"instrumentId"`
	Provider     string   `json:"provider"`
	Subscribe    bool     `json:"subscribe"`
	Kinds        []string `json:"kinds"`
}

// NewSubscriptionFrame builds a subscribe or unsubscribe frame with the
// standard quote kinds.
func NewSubscriptionFrame(id, instrumentID, provider string, subscribe bool) SubscriptionFrame {
	return SubscriptionFrame{
		Type:         MessageTypeL1Subscription,
		ID:           id,
		InstrumentID: instrumentID,
		Provider:     provider,
		Subscribe:    subscribe,
		Kinds:        DefaultQuoteKinds,
	}
}
