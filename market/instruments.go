package market

import (
	"sort"

	"github.com/rustyeddy/strategylab/errs"
)

type InstrumentMeta struct {
	Name          string  `json:"name"`
	DisplayName   string  `json:"display_name"`
	BaseCurrency  string  `json:"base_currency"`
	QuoteCurrency string  `json:"quote_currency"`
	PipLocation   int     `json:"pip_location"`
	MarginRate    float64 `json:"margin_rate"`
}

var Instruments = map[string]InstrumentMeta{
	"EUR_USD": {"EUR_USD", "EUR/USD", "EUR", "USD", -4, 0.0333},
	"GBP_USD": {"GBP_USD", "GBP/USD", "GBP", "USD", -4, 0.05},
	"USD_JPY": {"USD_JPY", "USD/JPY", "USD", "JPY", -2, 0.04},
	"USD_CHF": {"USD_CHF", "USD/CHF", "USD", "CHF", -4, 0.05},
	"AUD_USD": {"AUD_USD", "AUD/USD", "AUD", "USD", -4, 0.05},
	"USD_CAD": {"USD_CAD", "USD/CAD", "USD", "CAD", -4, 0.05},
	"NZD_USD": {"NZD_USD", "NZD/USD", "NZD", "USD", -4, 0.05},
	"EUR_GBP": {"EUR_GBP", "EUR/GBP", "EUR", "GBP", -4, 0.05},
	"EUR_JPY": {"EUR_JPY", "EUR/JPY", "EUR", "JPY", -2, 0.05},
	"GBP_JPY": {"GBP_JPY", "GBP/JPY", "GBP", "JPY", -2, 0.05},
	"XAU_USD": {"XAU_USD", "Gold", "XAU", "USD", -2, 0.05},
	"XAG_USD": {"XAG_USD", "Silver", "XAG", "USD", -4, 0.1},
}

// InstrumentList returns the catalogue sorted by name.
func InstrumentList() []InstrumentMeta {
	out := make([]InstrumentMeta, 0, len(Instruments))
	for _, m := range Instruments {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func ValidateInstrument(name string) error {
	if _, ok := Instruments[name]; !ok {
		return errs.Validationf("unknown instrument %q", name)
	}
	return nil
}
