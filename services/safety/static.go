// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import "context"

// StaticScorer returns the same scores for every text. The gateway uses
// an all-safe StaticScorer when no scorer service is configured, which
// disables the safety stages entirely — a deliberate deployment choice
// that main logs loudly at startup. Never a fallback for a scorer that
// is configured but unreachable; that path stays fail-closed.
type StaticScorer struct {
	Fixed Scores
}

// Score implements Scorer.
func (s StaticScorer) Score(ctx context.Context, text string) (Scores, error) {
	scores := make(Scores, len(Categories))
	for _, cat := range Categories {
		scores[cat] = s.Fixed[cat]
	}
	return scores, nil
}
