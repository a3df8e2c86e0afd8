package broker

// Tier values. Tier 3 is reserved for destructive operations requiring
// explicit confirmation; no action maps to it yet.
const (
	TierReadOnly   = 0
	TierSingleFile = 1
	TierMultiFile  = 2
	TierReserved   = 3
)

// readOnlyActions never mutate state and skip snapshotting entirely.
var readOnlyActions = map[[2]string]bool{
	{"fs", "read"}:       true,
	{"fs", "list"}:       true,
	{"fs", "search"}:     true,
	{"git", "status"}:    true,
	{"git", "diff"}:      true,
	{"web", "search"}:    true,
	{"profiles", "lint"}: true,
}

// singleFileActions are mutating actions eligible for tier 1 when exactly
// one file is affected.
var singleFileActions = map[[2]string]bool{
	{"fs", "apply_patch"}: true,
	{"git", "commit"}:     true,
	{"git", "checkout"}:   true,
}

// ClassifyTier maps (capability, action, fileCount) to a risk tier.
// Unknown combinations default to tier 2, the conservative choice.
func ClassifyTier(capability, action string, fileCount int) int {
	pair := [2]string{capability, action}
	if readOnlyActions[pair] {
		return TierReadOnly
	}
	if singleFileActions[pair] && fileCount == 1 {
		return TierSingleFile
	}
	if fileCount > 1 {
		return TierMultiFile
	}
	return TierMultiFile
}
