package bridge

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polysignal/trader/internal/signal"
)

var csvHeader = []string{
	"timestamp", "market_slug", "side", "strength", "phase",
	"model_up", "model_down", "edge_up", "edge_down",
	"bet_size", "btc_price", "price_to_beat", "regime",
}

// DrySink appends one CSV row per simulated trade. The file survives
// restarts; the header is written only when the file is new.
type DrySink struct {
	mu   sync.Mutex
	path string
}

func NewDrySink(path string) *DrySink {
	return &DrySink{path: path}
}

// Write appends a row for one simulated entry. Failures are logged and
// swallowed: the CSV is a convenience, not a ledger.
func (s *DrySink) Write(sig *signal.Signal, betSize decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Dry-run CSV dir create failed")
		return
	}

	writeHeader := false
	if info, err := os.Stat(s.path); err != nil || info.Size() == 0 {
		writeHeader = true
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Dry-run CSV open failed")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			log.Error().Err(err).Msg("Dry-run CSV header write failed")
			return
		}
	}

	modelUp := sig.Prices.Up.InexactFloat64() + sig.Edge.EdgeUp
	modelDown := sig.Prices.Down.InexactFloat64() + sig.Edge.EdgeDown
	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		sig.Market.Slug,
		sig.Rec.Side,
		sig.Rec.Strength,
		sig.Rec.Phase,
		decimal.NewFromFloat(modelUp).StringFixed(4),
		decimal.NewFromFloat(modelDown).StringFixed(4),
		decimal.NewFromFloat(sig.Edge.EdgeUp).StringFixed(4),
		decimal.NewFromFloat(sig.Edge.EdgeDown).StringFixed(4),
		betSize.StringFixed(2),
		sig.Prices.Spot.StringFixed(2),
		sig.EntryPrice().StringFixed(4),
		sig.RegimeInfo.Regime,
	}
	if err := w.Write(row); err != nil {
		log.Error().Err(err).Msg("Dry-run CSV row write failed")
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Error().Err(err).Msg("Dry-run CSV flush failed")
	}
}
