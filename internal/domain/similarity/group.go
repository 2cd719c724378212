package similarity

import "github.com/okian/rolodex/internal/domain/model"

// GroupDuplicates partitions records into duplicate groups using the
// configured mode. Every record lands in exactly one group; groups are
// ordered by their first member's input position.
func (e *Engine) GroupDuplicates(records []model.ContactRecord, threshold float64) []model.DuplicateGroup {
	if e.mode == GroupingTransitive {
		return e.groupTransitive(records, threshold)
	}
	return e.groupSeed(records, threshold)
}

// groupSeed walks the records in order. An unprocessed record starts a group
// with the first later record whose score meets threshold; the group then
// absorbs every further unprocessed record whose score against the seed
// exceeds threshold.
func (e *Engine) groupSeed(records []model.ContactRecord, threshold float64) []model.DuplicateGroup {
	processed := make([]bool, len(records))
	groups := make([]model.DuplicateGroup, 0, len(records))

	for i := range records {
		if processed[i] {
			continue
		}
		processed[i] = true
		group := model.DuplicateGroup{Records: []model.ContactRecord{records[i]}}
		for k := i + 1; k < len(records); k++ {
			if processed[k] {
				continue
			}
			score := e.Similarity(records[i], records[k])
			if score > threshold || (len(group.Records) == 1 && score >= threshold) {
				processed[k] = true
				group.Records = append(group.Records, records[k])
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func (e *Engine) groupTransitive(records []model.ContactRecord, threshold float64) []model.DuplicateGroup {
	parent := make([]int, len(records))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for i := range records {
		for k := i + 1; k < len(records); k++ {
			ri, rk := find(i), find(k)
			if ri == rk {
				continue
			}
			if e.Similarity(records[i], records[k]) >= threshold {
				// the lower index stays the root so groups keep input order
				if rk < ri {
					ri, rk = rk, ri
				}
				parent[rk] = ri
			}
		}
	}

	index := make(map[int]int)
	var groups []model.DuplicateGroup
	for i, r := range records {
		root := find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, model.DuplicateGroup{})
		}
		groups[g].Records = append(groups[g].Records, r)
	}
	return groups
}

// CountDuplicates is the number of records beyond each group's seed.
func CountDuplicates(groups []model.DuplicateGroup) int {
	n := 0
	for _, g := range groups {
		n += g.Duplicates()
	}
	return n
}
