package signal

import "strings"

// Category-driven beta estimation. Without a price history feed, relative
// volatility is read off a coarse sector map: beta = (sigma_long / sigma_short) * rho,
// where rho comes from category affinity. Unknown symbols get beta 1.0.

var symbolCategories = map[string][]string{
	"BTC":       {"BTC", "WBTC"},
	"ETH":       {"ETH", "WETH", "STETH", "RETH"},
	"SOL":       {"SOL", "MSOL", "JSOL"},
	"LAYER1":    {"AVAX", "FTM", "ATOM", "NEAR", "DOT", "ADA"},
	"LAYER2":    {"ARB", "OP", "MATIC", "METIS"},
	"MAJOR_ALT": {"XRP", "LTC", "BCH", "LINK", "UNI"},
	"NEW_L1":    {"SUI", "APT", "SEI", "TIA"},
	"DEFI":      {"AAVE", "MKR", "CRV", "SNX", "COMP"},
	"INFRA":     {"FIL", "INJ", "AR", "HNT"},
	"MEME":      {"DOGE", "SHIB", "PEPE", "WIF", "BONK", "FLOKI"},
	"AI":        {"FET", "AGIX", "RNDR", "TAO"},
	"GAMING":    {"AXS", "SAND", "MANA", "IMX", "GALA"},
	"STABLE":    {"USDT", "USDC", "DAI", "BUSD", "TUSD"},
}

var relatedCategories = map[string][]string{
	"BTC":       {"LAYER1", "MAJOR_ALT"},
	"ETH":       {"LAYER2", "DEFI"},
	"SOL":       {"NEW_L1"},
	"LAYER1":    {"BTC", "LAYER2", "NEW_L1"},
	"LAYER2":    {"ETH", "LAYER1"},
	"MAJOR_ALT": {"BTC", "LAYER1"},
	"NEW_L1":    {"SOL", "LAYER1"},
	"DEFI":      {"ETH"},
	"INFRA":     {"LAYER1"},
}

// Relative volatility per category tier.
var categoryVolatility = map[string]float64{
	"BTC":       0.5,
	"ETH":       0.5,
	"SOL":       1.0,
	"LAYER1":    1.0,
	"LAYER2":    1.0,
	"MAJOR_ALT": 1.0,
	"NEW_L1":    2.0,
	"DEFI":      1.0,
	"INFRA":     1.0,
	"MEME":      2.0,
	"AI":        2.0,
	"GAMING":    2.0,
	"STABLE":    0.2,
}

const (
	betaMin = 0.1
	betaMax = 10.0
)

// BetaEstimator maps symbol pairs to a relative-volatility beta.
type BetaEstimator struct {
	symbolToCategory map[string]string
}

// NewBetaEstimator builds the reverse lookup once.
func NewBetaEstimator() *BetaEstimator {
	lookup := make(map[string]string)
	for category, symbols := range symbolCategories {
		for _, s := range symbols {
			lookup[s] = category
		}
	}
	return &BetaEstimator{symbolToCategory: lookup}
}

func (e *BetaEstimator) category(symbol string) (string, bool) {
	base := symbol
	for _, sep := range []string{"/", ":", "-"} {
		if i := strings.Index(base, sep); i >= 0 {
			base = base[:i]
		}
	}
	cat, ok := e.symbolToCategory[strings.ToUpper(base)]
	return cat, ok
}

func (e *BetaEstimator) correlation(catShort, catLong string) float64 {
	if catShort == catLong {
		return 0.85
	}
	for _, rel := range relatedCategories[catShort] {
		if rel == catLong {
			return 0.60
		}
	}
	for _, rel := range relatedCategories[catLong] {
		if rel == catShort {
			return 0.60
		}
	}
	if catShort == "STABLE" || catLong == "STABLE" {
		return 0.05
	}
	return 0.35
}

// Estimate returns the long-vs-short beta used for leg sizing, clamped to
// [0.1, 10]. Pairs with an unknown symbol get 1.0.
func (e *BetaEstimator) Estimate(shortSymbol, longSymbol string) float64 {
	catShort, okShort := e.category(shortSymbol)
	catLong, okLong := e.category(longSymbol)
	if !okShort || !okLong {
		return 1.0
	}
	rho := e.correlation(catShort, catLong)
	beta := categoryVolatility[catLong] / categoryVolatility[catShort] * rho
	if beta < betaMin {
		return betaMin
	}
	if beta > betaMax {
		return betaMax
	}
	return beta
}
