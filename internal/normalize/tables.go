package normalize

import "histcache/internal/models"

// BinanceFrequencies maps Binance kline interval labels. The exchange's
// labels coincide with the canonical set, so this table exists for explicit
// wiring and future divergence.
func BinanceFrequencies() map[string]models.Frequency {
	out := make(map[string]models.Frequency, len(models.Frequencies()))
	for _, f := range models.Frequencies() {
		out[string(f)] = f
	}
	return out
}

// YFinanceFrequencies maps Yahoo Finance interval labels onto the canonical
// set. Labels with no canonical equivalent (2m, 90m, 5d, 3mo) are omitted;
// bars carrying them fail the batch rather than being mis-tagged.
func YFinanceFrequencies() map[string]models.Frequency {
	return map[string]models.Frequency{
		"1m":  models.Freq1m,
		"5m":  models.Freq5m,
		"15m": models.Freq15m,
		"30m": models.Freq30m,
		"60m": models.Freq1h,
		"1h":  models.Freq1h,
		"1d":  models.Freq1d,
		"1wk": models.Freq1w,
		"1mo": models.Freq1M,
	}
}
