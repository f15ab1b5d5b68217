package core

// Evaluate returns one Conflict per line whose exclusion declaration matches
// at least one other line of the cart, in the order the subject lines
// appear. A legacy exclude-all line always yields a Conflict, with an empty
// partner list when it is alone in the cart. Lines without a match key are
// skipped as subjects and never matched by identifier. The result is empty,
// never nil, when nothing conflicts. Evaluate does not modify lines.
func Evaluate(lines []CartLine) []Conflict {
	conflicts := make([]Conflict, 0)
	if len(lines) == 0 {
		return conflicts
	}

	keys := make([]string, len(lines))
	for i, line := range lines {
		keys[i] = line.MatchKey()
	}

	for i, subject := range lines {
		if subject.Exclusion.IsAbsent() || keys[i] == "" {
			continue
		}

		excludeAll := subject.Exclusion.Kind() == DeclarationLegacyAll
		partners := make([]CartLine, 0)
		for j, other := range lines {
			if j == i {
				continue
			}
			if excludeAll || subject.Exclusion.Excludes(keys[j]) {
				partners = append(partners, other)
			}
		}

		if len(partners) == 0 && !excludeAll {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Subject:       subject,
			ConflictsWith: partners,
		})
	}

	return conflicts
}
