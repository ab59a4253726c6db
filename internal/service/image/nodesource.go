package image

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"

	domain "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/k8s"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// K8sNodeSource implements NodeSource by listing cluster nodes through
// the generic Kubernetes wrapper and deriving eligibility from each
// node's taints against the controller's configured tolerations
// (§3 NodeData, §4.1's "Eligibility is derived from taints vs. the
// controller's tolerations"). Grounded on
// _examples/original_source/controller/src/controller/storage/kubernetes/node.py's
// list()/is_tolerated()/get_cached_images() trio.
type K8sNodeSource struct {
	client       *k8s.Client[*corev1.Node]
	tolerations  []domain.Toleration
	nodeSelector string
}

// NewK8sNodeSource builds a K8sNodeSource.
func NewK8sNodeSource(client *k8s.Client[*corev1.Node], tolerations []domain.Toleration, nodeSelector string) *K8sNodeSource {
	return &K8sNodeSource{client: client, tolerations: tolerations, nodeSelector: nodeSelector}
}

// ListNodes implements NodeSource.
func (s *K8sNodeSource) ListNodes(ctx context.Context) ([]domain.Node, error) {
	to := timeout.New("list-nodes", "", 30*time.Second)
	raw, err := s.client.List(ctx, "", to, s.nodeSelector)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Node, 0, len(raw))
	for _, n := range raw {
		taints := make([]domain.Taint, 0, len(n.Spec.Taints))
		for _, t := range n.Spec.Taints {
			taints = append(taints, domain.Taint{Key: t.Key, Value: t.Value, Effect: string(t.Effect)})
		}
		eligible, comment := domain.Eligible(taints, s.tolerations)

		cached := make(map[string]bool)
		if n.Status.Images != nil {
			for _, ci := range n.Status.Images {
				for _, name := range ci.Names {
					cached[name] = true
				}
			}
		}

		out = append(out, domain.Node{
			Name:      n.Name,
			Eligible:  eligible,
			Comment:   comment,
			CachedRef: cached,
		})
	}
	return out, nil
}
