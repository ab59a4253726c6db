package image

import (
	"sort"
	"time"
)

// FilterPolicy narrows which images are offered on the spawner menu and
// considered by the prepuller's subset rule. Cycle, when set, drops any
// image whose SAL cycle doesn't match exactly. Architectures, when set
// (a supplement drawn from original_source/models/domain/arch_filter.py),
// drops any image whose recorded platform architecture is not in the
// set.
type FilterPolicy struct {
	Cycle         *int
	Architectures []string
}

func (p FilterPolicy) allows(img *Image, arch string) bool {
	if p.Cycle != nil {
		if img.Tag.Cycle == nil || *img.Tag.Cycle != *p.Cycle {
			return false
		}
	}
	if len(p.Architectures) > 0 && arch != "" {
		found := false
		for _, a := range p.Architectures {
			if a == arch {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Collection indexes a set of Images by tag name, digest, and category.
// Within a category, images are kept newest-first (insertion order
// tracks Compare, aliases sort first).
type Collection struct {
	byTag      map[string]*Image
	byDigest   map[string][]*Image
	byCategory map[Category][]*Image
	archOf     map[string]string // digest -> architecture, for filter policy
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{
		byTag:      make(map[string]*Image),
		byDigest:   make(map[string][]*Image),
		byCategory: make(map[Category][]*Image),
		archOf:     make(map[string]string),
	}
}

// Add inserts img, keeping its category slice sorted per Tag.Compare
// (ErrIncomparable cannot occur here since insertion only ever compares
// same-category tags).
func (c *Collection) Add(img *Image) {
	c.byTag[img.Tag.Tag] = img
	c.byDigest[img.Digest] = append(c.byDigest[img.Digest], img)

	bucket := c.byCategory[img.Tag.Category]
	idx := sort.Search(len(bucket), func(i int) bool {
		cmp, err := img.Tag.Compare(bucket[i].Tag)
		if err != nil {
			return false
		}
		return cmp <= 0
	})
	bucket = append(bucket, nil)
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = img
	c.byCategory[img.Tag.Category] = bucket
}

// SetArchitecture records the platform architecture a digest was built
// for, consulted by FilterPolicy.Architectures.
func (c *Collection) SetArchitecture(digest, arch string) {
	c.archOf[digest] = arch
}

// ByTag resolves a tag name to its image.
func (c *Collection) ByTag(tag string) (*Image, bool) {
	img, ok := c.byTag[tag]
	return img, ok
}

// ByDigest resolves a digest to all images (tag names) sharing it.
func (c *Collection) ByDigest(digest string) []*Image {
	return c.byDigest[digest]
}

// Latest returns the newest image in category, or nil if the category
// is empty.
func (c *Collection) Latest(cat Category) *Image {
	bucket := c.byCategory[cat]
	if len(bucket) == 0 {
		return nil
	}
	return bucket[0]
}

// All returns every image across every category, aliases first, then
// each remaining category newest-first, unknowns last.
func (c *Collection) All() []*Image {
	order := []Category{CategoryAlias, CategoryRelease, CategoryCandidate, CategoryWeekly, CategoryDaily, CategoryExperimental, CategoryUnknown}
	var out []*Image
	for _, cat := range order {
		out = append(out, c.byCategory[cat]...)
	}
	return out
}

// Filter returns every image that survives policy, in the same
// alias-first / newest-first order as All. now is accepted for
// forward compatibility with time-bound policies; the current policy
// set is time-independent.
func (c *Collection) Filter(policy FilterPolicy, now time.Time) []*Image {
	var out []*Image
	for _, img := range c.All() {
		if policy.allows(img, c.archOf[img.Digest]) {
			out = append(out, img)
		}
	}
	return out
}

// SubsetOptions configures the prepull subset rule (§4.2).
type SubsetOptions struct {
	RecommendedTag string
	Pinned         []string
	Releases       int
	Weeklies       int
	Dailies        int
	Include        map[string]bool
}

// Subset computes the prepull candidate set: the recommended tag, any
// explicitly pinned tags, the N latest releases, M latest weeklies, K
// latest dailies, plus every alias tag, honoring Include as an
// additional always-include set.
func (c *Collection) Subset(opts SubsetOptions) []*Image {
	seen := make(map[string]bool)
	var out []*Image

	add := func(img *Image) {
		if img == nil || seen[img.Tag.Tag] {
			return
		}
		seen[img.Tag.Tag] = true
		out = append(out, img)
	}

	if opts.RecommendedTag != "" {
		if img, ok := c.ByTag(opts.RecommendedTag); ok {
			add(img)
		}
	}
	for _, tag := range opts.Pinned {
		if img, ok := c.ByTag(tag); ok {
			add(img)
		}
	}
	for tag := range opts.Include {
		if img, ok := c.ByTag(tag); ok {
			add(img)
		}
	}
	for _, img := range c.byCategory[CategoryAlias] {
		add(img)
	}
	takeN := func(cat Category, n int) {
		bucket := c.byCategory[cat]
		for i := 0; i < n && i < len(bucket); i++ {
			add(bucket[i])
		}
	}
	takeN(CategoryRelease, opts.Releases)
	takeN(CategoryWeekly, opts.Weeklies)
	takeN(CategoryDaily, opts.Dailies)

	return out
}
