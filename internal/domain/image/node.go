package image

// Node mirrors spec.md's NodeData: a worker node's eligibility for
// scheduling prepull pods (and, by extension, user lab pods), plus the
// set of image references (the names the node's status lists for its
// cached images) the node is known to have cached.
type Node struct {
	Name      string
	Eligible  bool
	Comment   string
	CachedRef map[string]bool // image ref -> present
}

// Taint is a Kubernetes node taint as relevant to eligibility
// computation: PreferNoSchedule never disqualifies a node, only
// NoSchedule and NoExecute do when the controller carries no matching
// toleration.
type Taint struct {
	Key    string
	Value  string
	Effect string
}

const (
	EffectNoSchedule       = "NoSchedule"
	EffectPreferNoSchedule = "PreferNoSchedule"
	EffectNoExecute        = "NoExecute"
)

// Toleration is a (key, effect) pair the controller tolerates.
type Toleration struct {
	Key    string
	Effect string
}

// Eligible computes NodeData.eligible from a node's taints against the
// controller's configured tolerations (§3). A PreferNoSchedule taint
// never disqualifies a node regardless of tolerations.
func Eligible(taints []Taint, tolerations []Toleration) (bool, string) {
	for _, t := range taints {
		if t.Effect == EffectPreferNoSchedule {
			continue
		}
		tolerated := false
		for _, tol := range tolerations {
			if tol.Key == t.Key && tol.Effect == t.Effect {
				tolerated = true
				break
			}
		}
		if !tolerated {
			return false, "taint " + t.Key + ":" + t.Effect + " not tolerated"
		}
	}
	return true, ""
}
