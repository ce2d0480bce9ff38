package spec

import (
	"fmt"
)

// VerifyChain checks the integrity of one lineage: every version walks back to a
// root in exactly VersionNumber-1 hops, numbers decrease by one per hop, the
// numbers form 1..N without gaps or duplicates, and at most one version is active.
func VerifyChain(versions []*SpecVersion) error {
	if len(versions) == 0 {
		return nil
	}

	byID := make(map[string]*SpecVersion, len(versions))
	numbers := make(map[int]string, len(versions))
	active := 0
	for _, v := range versions {
		if _, dup := byID[v.ID]; dup {
			return fmt.Errorf("duplicate version id %s", v.ID)
		}
		byID[v.ID] = v
		if other, dup := numbers[v.VersionNumber]; dup {
			return fmt.Errorf("versions %s and %s both claim version number %d", other, v.ID, v.VersionNumber)
		}
		numbers[v.VersionNumber] = v.ID
		if v.Status == StatusActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("lineage has %d active versions", active)
	}
	for n := 1; n <= len(versions); n++ {
		if _, ok := numbers[n]; !ok {
			return fmt.Errorf("version number %d missing from lineage of %d versions", n, len(versions))
		}
	}

	for _, v := range versions {
		cur := v
		hops := 0
		for cur.ParentID != nil {
			parent, ok := byID[*cur.ParentID]
			if !ok {
				return fmt.Errorf("version %s references unknown parent %s", cur.ID, *cur.ParentID)
			}
			if parent.VersionNumber != cur.VersionNumber-1 {
				return fmt.Errorf("version %s (n=%d) has parent %s with n=%d",
					cur.ID, cur.VersionNumber, parent.ID, parent.VersionNumber)
			}
			cur = parent
			hops++
			if hops > len(versions) {
				return fmt.Errorf("cycle detected walking parents from %s", v.ID)
			}
		}
		if hops != v.VersionNumber-1 {
			return fmt.Errorf("version %s (n=%d) reaches root in %d hops", v.ID, v.VersionNumber, hops)
		}
	}
	return nil
}
