// Package matching ranks labs against an equipment requirement. It is pure:
// results describe the snapshots handed in and nothing is retained after the
// call returns.
package matching

import (
	"fmt"
	"sort"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// Options controls which labs appear in the ranking.
type Options struct {
	// IncludeZeroMatches makes the ranking exhaustive: every lab is scored,
	// including zero scores and labs that are occupied or under maintenance.
	IncludeZeroMatches bool `json:"includeZeroMatches"`
	// MinScore drops labs scoring below it. Must lie in [0,1].
	MinScore float64 `json:"minScore"`
}

// Validate rejects options no score could satisfy meaningfully.
func (o Options) Validate() error {
	if o.MinScore < 0 || o.MinScore > 1 {
		return &models.ValidationError{Field: "minScore", Reason: fmt.Sprintf("minScore %v must be between 0 and 1", o.MinScore)}
	}
	return nil
}

// Match scores the labs and returns candidates ordered by score descending,
// then labId ascending. Unless opts.IncludeZeroMatches is set, only available
// labs with a positive score are kept.
func Match(req models.Requirement, labs []models.LabInventory, opts Options) ([]models.MatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateItems(req.Items); err != nil {
		return nil, err
	}

	results := make([]models.MatchResult, 0, len(labs))
	for _, lab := range labs {
		if !opts.IncludeZeroMatches && lab.Status != "" && lab.Status != models.LabStatusAvailable {
			continue
		}
		result := Score(req.Items, lab)
		if result.Score == 0 && !opts.IncludeZeroMatches {
			continue
		}
		if result.Score < opts.MinScore {
			continue
		}
		results = append(results, result)
	}
	rank(results)
	return results, nil
}

// Score computes the quantity-weighted fraction of items the lab can cover.
// An empty requirement is vacuously satisfied.
func Score(items []models.EquipmentItem, lab models.LabInventory) models.MatchResult {
	result := models.MatchResult{LabID: lab.LabID, Status: lab.Status, Missing: []models.EquipmentItem{}}
	var have, need int
	for _, item := range items {
		got := lab.Stock[item.Name].Available
		if got > item.Quantity {
			got = item.Quantity
		}
		if got < 0 {
			got = 0
		}
		have += got
		need += item.Quantity
		if got < item.Quantity {
			result.Missing = append(result.Missing, models.EquipmentItem{Name: item.Name, Quantity: item.Quantity - got})
		}
	}
	models.SortItems(result.Missing)
	if need == 0 {
		result.Score = 1
		return result
	}
	result.Score = float64(have) / float64(need)
	return result
}

// rank orders results in place. The tie-break on labId keeps the order stable
// regardless of catalogue iteration order.
func rank(results []models.MatchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].LabID < results[j].LabID
	})
}
