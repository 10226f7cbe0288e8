// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney formats an amount with thousands separators and two decimals.
func FormatMoney(amount float64) string {
	s := decimal.NewFromFloat(amount).StringFixed(2)
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, decPart, _ := strings.Cut(s, ".")
	result := groupThousands(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats profit with an explicit sign.
func FormatPnL(pnl float64) string {
	formatted := FormatMoney(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatLots formats a volume in lots.
func FormatLots(volume float64) string {
	return decimal.NewFromFloat(volume).StringFixed(2)
}

// FormatBytes formats a file size.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
