package workflow

import "sort"

// TopologicalSort orders nodes so that every connection's source precedes
// its target (Kahn's algorithm). When several nodes are ready at once the
// one with the smallest id goes first, so an unchanged graph always yields
// the same order. A graph with a cycle yields a CycleDetectedError and no
// order at all.
//
// Connections must reference existing nodes; see ValidateReferentialIntegrity.
func TopologicalSort(nodes []Node, connections []Connection) ([]Node, error) {
	byID := make(map[string]Node, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		indegree[n.ID] = 0
	}

	successors := make(map[string][]string)
	for _, c := range connections {
		successors[c.FromNodeID] = append(successors[c.FromNodeID], c.ToNodeID)
		indegree[c.ToNodeID]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]Node, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	if len(order) < len(nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, cycleDetectedError(stuck)
	}
	return order, nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
