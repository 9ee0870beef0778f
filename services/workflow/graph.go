package workflow

// ValidateReferentialIntegrity checks that node ids are present and unique
// and that every connection joins two existing nodes.
func (w *Workflow) ValidateReferentialIntegrity() error {
	ids := make(map[string]struct{}, len(w.Nodes))
	for i, n := range w.Nodes {
		if n.ID == "" {
			return graphIntegrityError("node at index %d has no id", i)
		}
		if _, dup := ids[n.ID]; dup {
			return graphIntegrityError("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	for _, c := range w.Connections {
		if _, ok := ids[c.FromNodeID]; !ok {
			return graphIntegrityError("connection %s -> %s references missing source node %q", c.FromNodeID, c.ToNodeID, c.FromNodeID)
		}
		if _, ok := ids[c.ToNodeID]; !ok {
			return graphIntegrityError("connection %s -> %s references missing target node %q", c.FromNodeID, c.ToNodeID, c.ToNodeID)
		}
	}
	return nil
}
