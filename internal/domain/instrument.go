package domain

type Instrument struct {
	Symbol    string `json:"symbol"`
	BaseCoin  string `json:"base_coin"`
	QuoteCoin string `json:"quote_coin"`
	Status    string `json:"status"`
}

// Tradable reports whether the venue currently accepts orders for the instrument.
func (i Instrument) Tradable() bool {
	return i.Status == "Trading"
}
