package anilist

import "math"

// ScaleScore converts a Plex user rating (0-10, halves allowed) into the
// viewer's scoring system. 0 means unrated and always maps to 0.
func ScaleScore(rating float64, format ScoreFormat) float64 {
	if rating <= 0 {
		return 0
	}
	if rating > 10 {
		rating = 10
	}
	switch format {
	case ScorePoint100:
		return math.Round(rating * 10)
	case ScorePoint10Decimal:
		return math.Round(rating*10) / 10
	case ScorePoint10:
		return math.Round(rating)
	case ScorePoint5:
		s := math.Round(rating / 2)
		if s < 1 {
			s = 1
		}
		return s
	case ScorePoint3:
		// Smiley scale: frown, neutral, smile.
		switch {
		case rating >= 7:
			return 3
		case rating >= 4:
			return 2
		default:
			return 1
		}
	default:
		return math.Round(rating*10) / 10
	}
}
