package rules

import (
	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// applyJOFS detects joint or near-joint favourites and splits the
// favourite's stake equally across them. With two horses trading level a
// full-size lay on either is double the intended exposure on "the
// favourite"; the split keeps total stake constant.
//
// When a joint favourite already carries its own instruction (the second
// favourite under a close-gap band) the split share is added to it rather
// than duplicated.
func applyJOFS(decision *models.RuleDecision, market *models.Market, fav *models.Runner) {
	joint := jointFavourites(market, fav)
	if len(joint) < 2 {
		return
	}

	favIdx := -1
	for i, inst := range decision.Instructions {
		if inst.SelectionID == fav.SelectionID {
			favIdx = i
			break
		}
	}
	if favIdx < 0 {
		return
	}

	favStake := decision.Instructions[favIdx].Size
	sizeEach := favStake.Div(decimal.NewFromInt(int64(len(joint)))).RoundDown(2)
	if sizeEach.IsZero() {
		return
	}
	rule := decision.Instructions[favIdx].RuleID

	// Drop the favourite's whole-stake instruction; its share comes back
	// through the split below.
	decision.Instructions = append(decision.Instructions[:favIdx], decision.Instructions[favIdx+1:]...)

	split := models.JOFSSplit{
		TotalStake: favStake,
		SizeEach:   sizeEach,
	}

	for _, runner := range joint {
		split.SelectionIDs = append(split.SelectionIDs, runner.SelectionID)

		if existing := instructionIndex(decision.Instructions, runner.SelectionID); existing >= 0 {
			decision.Instructions[existing].Size = decision.Instructions[existing].Size.Add(sizeEach)
			continue
		}

		decision.Instructions = append(decision.Instructions, models.BetInstruction{
			MarketID:    market.ID,
			SelectionID: runner.SelectionID,
			RunnerName:  runner.Name,
			Price:       *runner.BestLay,
			Size:        sizeEach,
			RuleID:      rule,
		})
	}

	decision.JOFS = &split
	metrics.JOFSSplitsTotal.Inc()
}

// jointFavourites returns every priced runner whose lay odds equal the
// favourite's or sit within one ladder tick of them, favourite included.
func jointFavourites(market *models.Market, fav *models.Runner) []*models.Runner {
	favOdds := *fav.BestLay
	var joint []*models.Runner
	for i := range market.Runners {
		r := &market.Runners[i]
		if !r.Priced() {
			continue
		}
		if models.WithinOneTick(favOdds, *r.BestLay) {
			joint = append(joint, r)
		}
	}
	return joint
}

func instructionIndex(instructions []models.BetInstruction, selectionID int64) int {
	for i, inst := range instructions {
		if inst.SelectionID == selectionID {
			return i
		}
	}
	return -1
}
