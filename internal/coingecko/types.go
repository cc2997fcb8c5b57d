package coingecko

// MarketCoin is one entry of the /coins/markets response
type MarketCoin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	Image                    string   `json:"image"`
	CurrentPrice             *float64 `json:"current_price"`
	MarketCap                *float64 `json:"market_cap"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
}

// Price is the market data the bot renders for a coin
type Price struct {
	USD       float64
	MarketCap float64
	Change24h float64
	Symbol    string
	Image     string
}

func (c MarketCoin) price() (Price, bool) {
	if c.CurrentPrice == nil {
		return Price{}, false
	}
	p := Price{
		USD:    *c.CurrentPrice,
		Symbol: c.Symbol,
		Image:  c.Image,
	}
	if c.MarketCap != nil {
		p.MarketCap = *c.MarketCap
	}
	if c.PriceChangePercentage24h != nil {
		p.Change24h = *c.PriceChangePercentage24h
	}
	return p, true
}
