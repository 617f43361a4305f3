package schema

import "strings"

// knownQuotes lists quote assets checked as suffixes, longest first so USDT wins over USD.
var knownQuotes = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USDP", "DAI",
	"BTC", "ETH", "BNB", "XRP", "TRX", "DOGE",
	"EUR", "GBP", "TRY", "BRL", "AUD", "JPY", "RUB", "UAH", "ZAR", "IDR", "ARS", "PLN", "RON", "MXN", "COP", "CZK",
	"USD",
}

// fallbackQuoteLen is the quote width assumed when no known suffix matches.
const fallbackQuoteLen = 3

// SplitSymbol splits a compact venue symbol such as BTCUSDT into base and quote.
func SplitSymbol(raw string) (base, quote string) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", ""
	}
	if b, q, ok := strings.Cut(symbol, "/"); ok {
		return b, q
	}
	if b, q, ok := strings.Cut(symbol, "-"); ok {
		return b, q
	}
	for _, q := range knownQuotes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) <= fallbackQuoteLen {
		return symbol, ""
	}
	cut := len(symbol) - fallbackQuoteLen
	return symbol[:cut], symbol[cut:]
}

// NormalizeSymbol renders a venue symbol in canonical BASE/QUOTE form.
func NormalizeSymbol(raw string) string {
	base, quote := SplitSymbol(raw)
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// CompactSymbol renders a canonical symbol in the venue's concatenated form.
func CompactSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}
