package records

// refreshOutcome captures how a backend row is merged into the local copy during a refresh.
type refreshOutcome struct {
	Accepted bool
	Record   *Record
	// Conflict is set when a newer server edit lost to an unsynced local edit.
	Conflict bool
}

// resolveRefresh decides whether incoming replaces local. Local edits that have not synced win; everything
// else takes the server's row.
func resolveRefresh(local *Record, incoming *Record, unsynced bool) refreshOutcome {
	if local == nil {
		return refreshOutcome{Accepted: true, Record: incoming}
	}

	keepLocal := false
	switch {
	case local.LocalUpdate && unsynced:
		keepLocal = true
	case local.LocalOnly:
		keepLocal = true
	default:
		keepLocal = false
	}

	if keepLocal {
		kept := local.Clone()
		return refreshOutcome{
			Accepted: false,
			Record:   kept,
			Conflict: differs(local.Fields, incoming.Fields),
		}
	}

	updated := incoming.Clone()
	updated.LocalOnly = false
	updated.Syncing = false
	updated.LocalUpdate = false
	return refreshOutcome{Accepted: true, Record: updated}
}

// differs reports whether any field present locally has a different value on the server.
func differs(local, incoming map[string]any) bool {
	for name, value := range local {
		remote, ok := incoming[name]
		if !ok {
			continue
		}
		if IDString(value) != IDString(remote) {
			return true
		}
	}
	return false
}
