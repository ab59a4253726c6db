// Package image implements the catalog service of §4.2: the
// authoritative view of which RSPImages exist remotely, which are
// prepulled where, and the per-node/per-class/per-tag lookups the
// spawner menu and the prepuller rely on.
package image

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	nublerr "github.com/lsst-sqre/nublado-controller/internal/apierror"
	"github.com/lsst-sqre/nublado-controller/internal/broadcast"
	domain "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
	"github.com/lsst-sqre/nublado-controller/internal/registry"
)

// NodeSource lists the cluster's worker nodes with their taints, used
// to compute eligibility (§3 NodeData).
type NodeSource interface {
	ListNodes(ctx context.Context) ([]domain.Node, error)
}

// Config is the catalog's static policy: which registry/repository to
// track and the prepull subset parameters (§4.2).
type Config struct {
	Registry       string
	Repository     string
	RecommendedTag string
	Pinned         []string
	AliasTags      map[string]bool
	Releases       int
	Weeklies       int
	Dailies        int
	Cycle          *int
}

// MenuEntry is one image as presented on the spawner menu: its
// display name, reference, and whether it is prepulled everywhere
// eligible.
type MenuEntry struct {
	Reference      string `json:"reference"`
	Tag            string `json:"tag"`
	DisplayName    string `json:"display_name"`
	PrepulledOnAll bool   `json:"prepulled"`
	Digest         string `json:"digest"`
}

// MenuPayload is the full spawner-menu response (§4.2 images()).
type MenuPayload struct {
	Images []MenuEntry `json:"images"`
}

// Menus is the menu_images() response: a short "menu" list (prepulled
// images, recommended first) plus the complete "dropdown" list.
type Menus struct {
	Menu     []MenuEntry `json:"menu"`
	Dropdown []MenuEntry `json:"dropdown"`
}

// Catalog is the process-wide image service. It is safe for
// concurrent use; Refresh is single-flight under refreshMu so
// concurrent callers share one in-flight refresh instead of piling up
// redundant registry calls.
type Catalog struct {
	cfg    Config
	source registry.Source
	nodes  NodeSource
	logger *zap.Logger

	// Refreshed fires every time Refresh completes, waking the
	// prepuller loop (§4.2 "signal a one-shot condition").
	Refreshed *broadcast.Signal

	mu         sync.RWMutex
	collection *domain.Collection
	nodeList   []domain.Node
	toPrepull  []*domain.Image

	refreshMu      sync.Mutex
	refreshRunning bool
	refreshWaiters []chan error
}

// New constructs a Catalog. Call Refresh at least once (the
// background supervisor's foreground warm-up, §5) before serving
// traffic.
func New(cfg Config, source registry.Source, nodes NodeSource, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		cfg:        cfg,
		source:     source,
		nodes:      nodes,
		logger:     logger,
		Refreshed:  broadcast.NewSignal(),
		collection: domain.NewCollection(),
	}
}

// ImageForReference resolves ref (already parsed into
// registry/repo[:tag][@digest] form by the caller) against the known
// remote set.
func (c *Catalog) ImageForReference(registryHost, repository, tag, digest string) (*domain.Image, error) {
	if registryHost != "" && registryHost != c.cfg.Registry {
		return nil, nublerr.InvalidImageReference(fmt.Sprintf("%s/%s", registryHost, repository))
	}
	if repository != "" && repository != c.cfg.Repository {
		return nil, nublerr.InvalidImageReference(repository)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if digest != "" {
		imgs := c.collection.ByDigest(digest)
		if len(imgs) == 0 {
			return nil, nublerr.UnknownImage(digest)
		}
		return imgs[0], nil
	}
	if tag != "" {
		img, ok := c.collection.ByTag(tag)
		if !ok {
			return nil, nublerr.UnknownImage(tag)
		}
		return img, nil
	}
	return nil, nublerr.InvalidImageReference("")
}

// ImageForTagName resolves tag-only.
func (c *Catalog) ImageForTagName(tag string) (*domain.Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.collection.ByTag(tag)
	if !ok {
		return nil, nublerr.UnknownImage(tag)
	}
	return img, nil
}

// ImageForClass returns the currently prepulled image for class.
func (c *Catalog) ImageForClass(class lab.ImageClass) (*domain.Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch class {
	case lab.ClassRecommended:
		if img, ok := c.collection.ByTag(c.cfg.RecommendedTag); ok {
			return img, nil
		}
	case lab.ClassLatestRelease:
		if img := c.collection.Latest(domain.CategoryRelease); img != nil {
			return img, nil
		}
	case lab.ClassLatestWeekly:
		if img := c.collection.Latest(domain.CategoryWeekly); img != nil {
			return img, nil
		}
	case lab.ClassLatestDaily:
		if img := c.collection.Latest(domain.CategoryDaily); img != nil {
			return img, nil
		}
	}
	return nil, nublerr.UnknownImage(string(class))
}

func (c *Catalog) eligibleNodeNames() []string {
	var out []string
	for _, n := range c.nodeList {
		if n.Eligible {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) policy() domain.FilterPolicy {
	return domain.FilterPolicy{Cycle: c.cfg.Cycle}
}

func toEntry(img *domain.Image, eligible []string) MenuEntry {
	return MenuEntry{
		Reference:      img.Ref(),
		Tag:            img.Tag.Tag,
		DisplayName:    img.Tag.DisplayName,
		Digest:         img.Digest,
		PrepulledOnAll: len(img.MissingOn(eligible)) == 0,
	}
}

// Images returns the full spawner-menu payload (§4.2 images()).
func (c *Catalog) Images() MenuPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eligible := c.eligibleNodeNames()
	var entries []MenuEntry
	for _, img := range c.collection.Filter(c.policy(), time.Now()) {
		entries = append(entries, toEntry(img, eligible))
	}
	return MenuPayload{Images: entries}
}

// MenuImages returns menu_images()'s two lists (§4.2): menu holds only
// prepulled images filtered by policy with recommended forced first;
// dropdown holds everything known, filtered by policy.
func (c *Catalog) MenuImages() Menus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eligible := c.eligibleNodeNames()
	filtered := c.collection.Filter(c.policy(), time.Now())

	var dropdown []MenuEntry
	var menu []MenuEntry
	var recommended *MenuEntry
	for _, img := range filtered {
		entry := toEntry(img, eligible)
		dropdown = append(dropdown, entry)
		if !entry.PrepulledOnAll {
			continue
		}
		if img.Tag.Tag == c.cfg.RecommendedTag {
			e := entry
			recommended = &e
			continue
		}
		menu = append(menu, entry)
	}
	if recommended != nil {
		menu = append([]MenuEntry{*recommended}, menu...)
	}
	return Menus{Menu: menu, Dropdown: dropdown}
}

// MissingImagesByNode returns, for each eligible node, the tags in the
// prepull subset not yet cached there (§4.2, §8 invariant 5).
func (c *Catalog) MissingImagesByNode() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]string)
	for _, node := range c.nodeList {
		if !node.Eligible {
			continue
		}
		for _, img := range c.toPrepull {
			if !img.OnNode(node.Name) {
				out[node.Name] = append(out[node.Name], img.Tag.Tag)
			}
		}
	}
	return out
}

// MarkPrepulled optimistically records that ref is now cached on node,
// ahead of the next full Refresh (§4.2).
func (c *Catalog) MarkPrepulled(tag, node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img, ok := c.collection.ByTag(tag); ok {
		img.MarkOnNode(node)
	}
}

// Refresh recomputes the catalog from the node lister and registry
// source. It is single-flight: concurrent callers share the result of
// one in-flight refresh rather than issuing redundant registry calls.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	if c.refreshRunning {
		wait := make(chan error, 1)
		c.refreshWaiters = append(c.refreshWaiters, wait)
		c.refreshMu.Unlock()
		return <-wait
	}
	c.refreshRunning = true
	c.refreshMu.Unlock()

	err := c.doRefresh(ctx)

	c.refreshMu.Lock()
	c.refreshRunning = false
	waiters := c.refreshWaiters
	c.refreshWaiters = nil
	c.refreshMu.Unlock()
	for _, w := range waiters {
		w <- err
		close(w)
	}

	c.Refreshed.Fire()
	return err
}

func (c *Catalog) doRefresh(ctx context.Context) error {
	nodes, err := c.nodes.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	tags, err := c.source.ListTags(ctx, c.cfg.Repository)
	if err != nil {
		return fmt.Errorf("list remote tags: %w", err)
	}

	collection := domain.NewCollection()
	for _, t := range tags {
		digest, err := c.source.ManifestDigest(ctx, c.cfg.Repository, t)
		if err != nil {
			c.logger.Warn("failed to resolve manifest digest, image will not be reachable by digest",
				zap.String("tag", t), zap.Error(err))
		}
		parsed := domain.ParseTag(t, c.cfg.AliasTags)
		img := domain.NewImage(parsed, c.cfg.Registry, c.cfg.Repository, digest)
		collection.Add(img)
	}

	// Merge the per-node cached-image inventory reported by each NodeData
	// (§4.2 "merge registry listing with per-node cached-image inventory")
	// so a freshly-observed node that already has an image pulled is
	// reflected immediately, not only after its own prepull completes.
	for _, n := range nodes {
		for _, img := range collection.All() {
			if n.CachedRef[img.Ref()] {
				img.MarkOnNode(n.Name)
			}
		}
	}

	// Carry forward optimistic marks from mark_prepulled that the node's
	// own inventory hasn't caught up to reporting yet (§4.2 invariant 4:
	// "images() reports that image as prepulled on that node until the
	// next refresh() observes otherwise" — "observes otherwise" means the
	// node's cache truly dropped it, not merely that this scan raced it).
	c.mu.RLock()
	for _, prev := range c.collection.All() {
		if img, ok := collection.ByTag(prev.Tag.Tag); ok {
			for node := range prev.Nodes {
				img.MarkOnNode(node)
			}
		}
	}
	c.mu.RUnlock()

	toPrepull := collection.Subset(domain.SubsetOptions{
		RecommendedTag: c.cfg.RecommendedTag,
		Pinned:         c.cfg.Pinned,
		Releases:       c.cfg.Releases,
		Weeklies:       c.cfg.Weeklies,
		Dailies:        c.cfg.Dailies,
	})

	c.mu.Lock()
	c.collection = collection
	c.nodeList = nodes
	c.toPrepull = toPrepull
	c.mu.Unlock()

	c.logger.Info("image catalog refreshed",
		zap.Int("tags", len(tags)),
		zap.Int("nodes", len(nodes)),
		zap.Int("to_prepull", len(toPrepull)))
	return nil
}
