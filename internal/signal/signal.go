// Package signal defines the normalized upstream scanner event and the
// feed that delivers it. The gate chain operates on this value object; no
// duck-typed payload reaches the bridge.
package signal

import (
	"github.com/shopspring/decimal"
)

// Recommendation labels.
const (
	ActionEnter = "ENTER"

	StrengthStrong = "STRONG"
	StrengthGood   = "GOOD"

	SideUp   = "UP"
	SideDown = "DOWN"
)

// Rec is the scanner's recommendation.
type Rec struct {
	Action   string `json:"action"`
	Strength string `json:"strength"`
	Side     string `json:"side"`
	Phase    string `json:"phase"`
}

// Book carries the per-side orderbook summary the scanner attaches.
type Book struct {
	Spread float64 `json:"spread"`
}

// Orderbook groups both sides.
type Orderbook struct {
	Up   Book `json:"up"`
	Down Book `json:"down"`
}

// Market describes the market the signal targets.
type Market struct {
	Slug              string    `json:"slug"`
	Question          string    `json:"question"`
	Category          string    `json:"category"`
	SettlementLeftMin float64   `json:"settlementLeftMin"`
	Orderbook         Orderbook `json:"orderbook"`
}

// Tokens holds the binary outcome token ids.
type Tokens struct {
	UpTokenID   string `json:"upTokenId"`
	DownTokenID string `json:"downTokenId"`
}

// Poly is the venue-specific block.
type Poly struct {
	Tokens Tokens `json:"tokens"`
}

// Prices are the scanner's mark prices at signal time.
type Prices struct {
	Up   decimal.Decimal `json:"up"`
	Down decimal.Decimal `json:"down"`
	Spot decimal.Decimal `json:"spot"`
}

// Edge is model-implied fair probability minus market price, per side.
type Edge struct {
	EdgeUp   float64 `json:"edgeUp"`
	EdgeDown float64 `json:"edgeDown"`
}

// RegimeInfo labels the market regime the signal was computed under.
type RegimeInfo struct {
	Regime string `json:"regime"`
}

// Signal is one upstream signal:enter event, normalized.
type Signal struct {
	Rec         Rec        `json:"rec"`
	Signal      string     `json:"signal"`
	MarketID    string     `json:"marketId"`
	Market      Market     `json:"market"`
	Poly        Poly       `json:"poly"`
	Prices      Prices     `json:"prices"`
	Edge        Edge       `json:"edge"`
	Confidence  float64    `json:"confidence"`
	Correlation float64    `json:"correlation"`
	RegimeInfo  RegimeInfo `json:"regimeInfo"`
	TimeAware   bool       `json:"timeAware"`
	Kelly       float64    `json:"kelly"`
}

// TokenID returns the outcome token for the recommended side, empty when
// the scanner did not resolve one.
func (s *Signal) TokenID() string {
	if s.Rec.Side == SideDown {
		return s.Poly.Tokens.DownTokenID
	}
	return s.Poly.Tokens.UpTokenID
}

// ChosenEdge returns the edge on the recommended side.
func (s *Signal) ChosenEdge() float64 {
	if s.Rec.Side == SideDown {
		return s.Edge.EdgeDown
	}
	return s.Edge.EdgeUp
}

// ChosenSpread returns the orderbook spread on the recommended side.
func (s *Signal) ChosenSpread() float64 {
	if s.Rec.Side == SideDown {
		return s.Market.Orderbook.Down.Spread
	}
	return s.Market.Orderbook.Up.Spread
}

// EntryPrice returns the scanner's mark on the recommended side.
func (s *Signal) EntryPrice() decimal.Decimal {
	if s.Rec.Side == SideDown {
		return s.Prices.Down
	}
	return s.Prices.Up
}
