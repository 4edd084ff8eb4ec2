package detector

import (
	"strings"

	"SignalFlow/internal/domain/models"
)

var (
	bullishKeywords = []string{"bull", "bullish", "long", "buy", "support"}
	bearishKeywords = []string{"bear", "bearish", "short", "sell", "resistance"}
)

// Classify maps a pattern type to a direction by case-insensitive keyword
// containment. Bullish keywords are checked first.
func Classify(patternType string) models.Direction {
	p := strings.ToLower(patternType)
	for _, k := range bullishKeywords {
		if strings.Contains(p, k) {
			return models.Bullish
		}
	}
	for _, k := range bearishKeywords {
		if strings.Contains(p, k) {
			return models.Bearish
		}
	}
	return models.Neutral
}
