package cli

import (
	"fmt"
	"time"

	"trade-connector/internal/models"
	"trade-connector/pkg/utils"
)

// FormatConfidence renders a probability as a one-decimal percentage.
func FormatConfidence(confidence float64) string {
	return fmt.Sprintf("%.1f%%", confidence*100)
}

// FormatAge renders how long ago t was, at the coarsest useful unit.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// signalText colours a signal: buy green, sell red, hold plain.
func (o *Output) signalText(s models.Signal) string {
	switch s {
	case models.SignalBuy:
		return o.Green(string(s))
	case models.SignalSell:
		return o.Red(string(s))
	case "":
		return "-"
	}
	return string(s)
}

// profitText colours a profit by sign.
func (o *Output) profitText(profit float64) string {
	s := utils.FormatPnL(profit)
	switch {
	case profit > 0:
		return o.Green(s)
	case profit < 0:
		return o.Red(s)
	}
	return s
}
