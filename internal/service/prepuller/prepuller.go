// Package prepuller drives the per-node prepull workers of spec.md
// §4.3: on each catalog refresh signal, compute the missing-image set
// per node and spawn one sequential worker per node that creates a
// transient `/bin/true` pod for each missing image, waits for it to
// leave {Pending, Unknown, Running}, deletes it, and marks the image
// prepulled. Grounded on the teacher's fetch-mutate-apply idiom in
// internal/repository/workspace/kubernetes.go (ScaleVCluster's
// get-then-update shape), adapted to a create-wait-delete cycle per
// node instead of a single statefulset patch.
package prepuller

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/broadcast"
	domain "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// Catalog is the subset of the image catalog service the prepuller
// needs: the per-node missing-image table, tag resolution, and the
// optimistic mark-prepulled update (§4.2, §4.3). The refresh signal
// itself is wired in separately since it is a public field on the
// concrete *image.Catalog, not a method.
type Catalog interface {
	MissingImagesByNode() map[string][]string
	ImageForTagName(tag string) (*domain.Image, error)
	MarkPrepulled(tag, node string)
}

// PodClient is the subset of the generic Kubernetes wrapper
// (internal/k8s.Client[*corev1.Pod]) the prepuller needs.
type PodClient interface {
	Create(ctx context.Context, ns string, obj *corev1.Pod, to *timeout.Timeout, replace bool) (*corev1.Pod, error)
	WaitForPhase(ctx context.Context, ns, name string, untilNot map[corev1.PodPhase]bool, to *timeout.Timeout) (corev1.PodPhase, error)
	Delete(ctx context.Context, ns, name string, to *timeout.Timeout, wait bool, propagation *metav1.DeletionPropagation, gracePeriod *int64) error
}

// Config is the prepuller's static policy.
type Config struct {
	Namespace      string
	OwnerReference metav1.OwnerReference
	PodTimeout     time.Duration // per-pod create+wait+delete budget
}

// Prepuller owns the per-node worker loop.
type Prepuller struct {
	cfg       Config
	catalog   Catalog
	refreshed *broadcast.Signal
	pods      PodClient
	alerts    alert.Sink
	logger    *zap.Logger
}

// New builds a Prepuller. refreshed is the catalog's Refreshed signal
// (image.Catalog.Refreshed).
func New(cfg Config, catalog Catalog, refreshed *broadcast.Signal, pods PodClient, alerts alert.Sink, logger *zap.Logger) *Prepuller {
	if cfg.PodTimeout == 0 {
		cfg.PodTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prepuller{cfg: cfg, catalog: catalog, refreshed: refreshed, pods: pods, alerts: alerts, logger: logger}
}

var notAlphanumRe = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeTag converts a tag string into the subset of characters a
// Kubernetes object name permits.
func sanitizeTag(tag string) string {
	s := notAlphanumRe.ReplaceAllString(strings.ToLower(tag), "-")
	return strings.Trim(s, "-")
}

// podName is the deterministic name of the prepull pod for tag on
// node, matching §8 scenario 1's literal expectation
// (`prepull-d-2077-10-23-node2`).
func podName(tag, node string) string {
	return fmt.Sprintf("prepull-%s-%s", sanitizeTag(tag), node)
}

// Run blocks, waking on every catalog refresh signal and fanning out
// one worker per node with missing images (§5: "the prepuller
// parallelizes across nodes but serializes per node"). It returns when
// ctx is cancelled.
func (p *Prepuller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.refreshed.Wait():
			p.runOnce(ctx)
		}
	}
}

func (p *Prepuller) runOnce(ctx context.Context) {
	missing := p.catalog.MissingImagesByNode()
	if len(missing) == 0 {
		return
	}

	var wg sync.WaitGroup
	for node, tags := range missing {
		wg.Add(1)
		go func(node string, tags []string) {
			defer wg.Done()
			p.runNode(ctx, node, tags)
		}(node, tags)
	}
	wg.Wait()
}

// runNode processes one node's missing-image list sequentially: the
// policy that bounds per-node I/O load (§4.3).
func (p *Prepuller) runNode(ctx context.Context, node string, tags []string) {
	log := p.logger.With(zap.String("node", node))
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := p.prepullOne(ctx, node, tag); err != nil {
			log.Error("prepull failed, image remains missing until next refresh",
				zap.String("tag", tag), zap.Error(err))
			alert.Report(ctx, p.alerts, alert.SeverityWarning, "prepull", err)
			continue
		}
		p.catalog.MarkPrepulled(tag, node)
	}
}

func (p *Prepuller) prepullOne(ctx context.Context, node, tag string) error {
	img, err := p.catalog.ImageForTagName(tag)
	if err != nil {
		return fmt.Errorf("resolve tag %q: %w", tag, err)
	}

	to := timeout.New("prepull", "", p.cfg.PodTimeout)
	name := podName(tag, node)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       p.cfg.Namespace,
			OwnerReferences: []metav1.OwnerReference{p.cfg.OwnerReference},
			Labels: map[string]string{
				"nublado.lsst.io/category": "prepuller",
			},
		},
		Spec: corev1.PodSpec{
			NodeName:      node,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "prepull",
					Image:   img.Ref(),
					Command: []string{"/bin/true"},
				},
			},
		},
	}

	if _, err := p.pods.Create(ctx, p.cfg.Namespace, pod, to, true); err != nil {
		return fmt.Errorf("create prepull pod %s: %w", name, err)
	}

	untilNot := map[corev1.PodPhase]bool{
		corev1.PodPending: true,
		corev1.PodUnknown: true,
		corev1.PodRunning: true,
	}
	if _, err := p.pods.WaitForPhase(ctx, p.cfg.Namespace, name, untilNot, to); err != nil {
		return fmt.Errorf("wait for prepull pod %s: %w", name, err)
	}

	if err := p.pods.Delete(ctx, p.cfg.Namespace, name, to, false, nil, nil); err != nil {
		return fmt.Errorf("delete prepull pod %s: %w", name, err)
	}
	return nil
}
