package protocol

import "sort"

// Ballot is one voter's de-anonymized ranking, best first. M is the number
// of candidates the voter was shown.
type Ballot struct {
	Voter  string
	Ranked []string
	M      int
}

// TallyResult holds the scores of a voting round. It is derived from the
// ballots and never stored beyond the round.
type TallyResult struct {
	Scores   map[string]int
	TopVotes map[string]int
	Order    []string
	Winner   string
	Ballots  int
}

// Tally scores ballots by position: a voter shown M candidates gives M
// points to its top choice, M-1 to the next and so on down to 1. Candidates
// a ballot leaves unranked get nothing from it, and voters without a ballot
// add nothing and do not change M for anyone else.
//
// Order ranks candidates by total score, then by number of top-choice
// votes, then by ascending agent id. Winner is Order[0], or empty when there
// are no ballots.
func Tally(candidates []string, ballots []Ballot) TallyResult {
	res := TallyResult{
		Scores:   make(map[string]int, len(candidates)),
		TopVotes: make(map[string]int, len(candidates)),
		Ballots:  len(ballots),
	}
	for _, c := range candidates {
		res.Scores[c] = 0
		res.TopVotes[c] = 0
	}

	for _, b := range ballots {
		for i, id := range b.Ranked {
			if i >= b.M {
				break
			}
			if _, ok := res.Scores[id]; !ok {
				continue
			}
			res.Scores[id] += b.M - i
			if i == 0 {
				res.TopVotes[id]++
			}
		}
	}

	res.Order = make([]string, 0, len(res.Scores))
	for id := range res.Scores {
		res.Order = append(res.Order, id)
	}
	sort.Slice(res.Order, func(i, j int) bool {
		a, b := res.Order[i], res.Order[j]
		if res.Scores[a] != res.Scores[b] {
			return res.Scores[a] > res.Scores[b]
		}
		if res.TopVotes[a] != res.TopVotes[b] {
			return res.TopVotes[a] > res.TopVotes[b]
		}
		return a < b
	})
	if len(ballots) > 0 && len(res.Order) > 0 {
		res.Winner = res.Order[0]
	}
	return res
}
