package symbols

import "strings"

// multipliers are the contract-size markers exchanges glue onto low priced
// assets (1000PEPEUSDT, SHIB1000USDT, 1MBABYDOGEUSDT).
var multipliers = []string{"1000000", "100000", "10000", "1000", "1M"}

// ToCanonical converts an exchange-native perpetual symbol to its canonical
// base asset, e.g. BTCUSDT, BTC-USDT-SWAP and XBTUSDTM all become BTC.
// Contract multipliers are dropped so the same asset merges across venues.
func ToCanonical(exchange, sym, quote string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	quote = strings.ToUpper(quote)

	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
	default:
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.ReplaceAll(sym, "_", "")
	}

	if quote != "" && len(sym) > len(quote) {
		sym = strings.TrimSuffix(sym, quote)
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return stripMultiplier(sym)
}

// HasMultiplier reports whether a native symbol carries a large-denomination
// prefix or suffix such as 1000PEPE or SHIB1000.
func HasMultiplier(sym string) bool {
	sym = strings.ToUpper(sym)
	for _, m := range multipliers {
		if strings.HasPrefix(sym, m) && len(sym) > len(m) && isLetter(sym[len(m)]) {
			return true
		}
	}
	return strings.Contains(sym, "1000") && !strings.HasPrefix(sym, "1000")
}

func stripMultiplier(base string) string {
	for _, m := range multipliers {
		if strings.HasPrefix(base, m) && len(base) > len(m) && isLetter(base[len(m)]) {
			return base[len(m):]
		}
		if strings.HasSuffix(base, m) && len(base) > len(m) && isLetter(base[len(base)-len(m)-1]) {
			return base[:len(base)-len(m)]
		}
	}
	return base
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}
