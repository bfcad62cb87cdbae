package ingest

import "github.com/JakeFAU/ecfr-mirror/internal/ecfr"

// NeedsFetch decides whether a title must be downloaded given what the local
// store holds and the snapshot id advertised by the index.
func NeedsFetch(local ecfr.TitleState, remoteSnapshot string, force bool) bool {
	switch {
	case force:
		return true
	case !local.DataPresent:
		return true
	case local.MetaErr != nil:
		return true
	case local.Meta == nil:
		return true
	default:
		return local.Meta.SnapshotID != remoteSnapshot
	}
}
