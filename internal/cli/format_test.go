package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"trade-connector/internal/models"
)

func TestFormatConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0%"},
		{0.6, "60.0%"},
		{0.8532, "85.3%"},
		{1, "100.0%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatConfidence(tt.in))
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"future", now.Add(time.Second), "just now"},
		{"seconds", now.Add(-42 * time.Second), "42s ago"},
		{"minutes", now.Add(-5*time.Minute - 10*time.Second), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAge(tt.t, now))
		})
	}
}

// Property: any past instant renders as a single "<n><unit> ago" token.
func TestProperty_FormatAgeShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	properties.Property("past instants end in a unit and ago", prop.ForAll(
		func(secs int64) bool {
			s := FormatAge(now.Add(-time.Duration(secs)*time.Second), now)
			if !strings.HasSuffix(s, " ago") {
				return false
			}
			unit := s[len(s)-5]
			return strings.ContainsRune("smhd", rune(unit))
		},
		gen.Int64Range(0, 400*24*3600),
	))

	properties.TestingRun(t)
}

func TestSignalText_Plain(t *testing.T) {
	o := &Output{}
	assert.Equal(t, "BUY", o.signalText(models.SignalBuy))
	assert.Equal(t, "HOLD", o.signalText(models.SignalHold))
	assert.Equal(t, "-", o.signalText(""))
}
