package provider

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Element types carried in the "T" field of stream frames.
const (
	TypeSuccess      = "success"
	TypeError        = "error"
	TypeSubscription = "subscription"
	TypeTrade        = "t"
	TypeQuote        = "q"
)

// Control messages carried in "msg" of success elements.
const (
	msgConnected     = "connected"
	msgAuthenticated = "authenticated"
)

// Error codes the stream reports for credential problems. Every other code is
// treated as transient.
const (
	CodeNotAuthenticated = 401
	CodeAuthFailed       = 402
)

// streamElement is the envelope shared by every element of a stream frame.
// Only the fields needed for routing are decoded here; data elements are
// handed on as raw JSON.
type streamElement struct {
	Type   string `json:"T"`
	Symbol string `json:"S"`
	Msg    string `json:"msg"`
	Code   int    `json:"code"`
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

// Asset is one entry of GET /v2/assets.
type Asset struct {
	ID       string `json:"id"`
	Class    string `json:"class"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"` // "active" or "inactive"
	Tradable bool   `json:"tradable"`
}

// Bar is one OHLCV bar as returned by the REST API.
type Bar struct {
	Timestamp  time.Time       `json:"t"`
	Open       decimal.Decimal `json:"o"`
	High       decimal.Decimal `json:"h"`
	Low        decimal.Decimal `json:"l"`
	Close      decimal.Decimal `json:"c"`
	Volume     decimal.Decimal `json:"v"`
	TradeCount int64           `json:"n"`
	VWAP       decimal.Decimal `json:"vw"`
}

// latestBarResponse is the body of GET /v2/stocks/{symbol}/bars/latest.
type latestBarResponse struct {
	Symbol string          `json:"symbol"`
	Bar    json.RawMessage `json:"bar"`
}

// errorResponse is the body the REST API returns with non-2xx statuses.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
