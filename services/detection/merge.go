// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

import (
	"sort"
)

// MergeSpans resolves the findings of all detectors into a final,
// non-overlapping span set ready for masking.
//
// Resolution rules, in order:
//
//  1. Overlapping candidate spans are coalesced into one cluster
//     (overlap is transitive: A-B overlap and B-C overlap puts A, B, C in
//     the same cluster).
//  2. The cluster's boundaries are the union of its members — the wider
//     span always wins a boundary disagreement, preferring over-masking to
//     under-masking.
//  3. The cluster's entity type is taken from its highest-confidence
//     member; its confidence is the maximum seen.
//  4. A cluster is accepted when its confidence meets the per-entity-type
//     threshold, or when two distinct detectors independently reported the
//     same entity type inside it (corroboration substitutes for a single
//     detector's certainty).
//
// The returned spans are sorted by Start and guaranteed disjoint.
func MergeSpans(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}

	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	var merged []Span
	cluster := []Span{sorted[0]}
	clusterEnd := sorted[0].End

	flush := func() {
		if s, ok := resolveCluster(cluster); ok {
			merged = append(merged, s)
		}
	}

	for _, s := range sorted[1:] {
		if s.Start < clusterEnd {
			cluster = append(cluster, s)
			if s.End > clusterEnd {
				clusterEnd = s.End
			}
			continue
		}
		flush()
		cluster = []Span{s}
		clusterEnd = s.End
	}
	flush()

	return merged
}

// resolveCluster collapses one overlap cluster into a single span and
// decides whether it clears the acceptance bar.
func resolveCluster(cluster []Span) (Span, bool) {
	out := cluster[0]
	best := cluster[0]

	// detectorsByType tracks which detectors reported each entity type,
	// for the corroboration rule.
	detectorsByType := make(map[EntityType]map[string]bool)

	for _, s := range cluster {
		if s.Start < out.Start {
			out.Start = s.Start
		}
		if s.End > out.End {
			out.End = s.End
		}
		if s.Confidence > best.Confidence {
			best = s
		}
		if detectorsByType[s.Type] == nil {
			detectorsByType[s.Type] = make(map[string]bool)
		}
		detectorsByType[s.Type][s.Detector] = true
	}

	out.Type = best.Type
	out.Confidence = best.Confidence
	out.Detector = best.Detector

	if out.Confidence >= ThresholdFor(out.Type) {
		return out, true
	}

	// Corroboration: two independent detectors agreeing on a type is
	// accepted even below the single-detector threshold. The label
	// switches to the corroborated type if the best span's type differs.
	for t, dets := range detectorsByType {
		if len(dets) >= 2 {
			out.Type = t
			for _, s := range cluster {
				if s.Type == t && s.Confidence > out.Confidence {
					out.Confidence = s.Confidence
				}
			}
			return out, true
		}
	}

	return Span{}, false
}
