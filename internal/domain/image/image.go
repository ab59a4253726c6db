package image

// Image is a tag bound to a registry/repository/digest, plus the set of
// node names known to have it cached. Within a Collection a digest
// identifies an image uniquely even though many tag names may share it;
// CanonicalTag records which tag name is the designated display name
// for that digest.
type Image struct {
	Tag          Tag
	Registry     string
	Repository   string
	Digest       string
	CanonicalTag string
	Nodes        map[string]bool
	AliasTarget  string // non-empty when Tag.Category == CategoryAlias and this points at another digest
}

// Ref is the fully qualified image reference, e.g.
// "registry.example.com/repo:w_2077_43@sha256:...".
func (img *Image) Ref() string {
	ref := img.Registry + "/" + img.Repository
	if img.Tag.Tag != "" {
		ref += ":" + img.Tag.Tag
	}
	if img.Digest != "" {
		ref += "@" + img.Digest
	}
	return ref
}

// NewImage constructs an Image with an initialized node set.
func NewImage(tag Tag, registry, repository, digest string) *Image {
	return &Image{
		Tag:          tag,
		Registry:     registry,
		Repository:   repository,
		Digest:       digest,
		CanonicalTag: tag.Tag,
		Nodes:        make(map[string]bool),
	}
}

// OnNode reports whether the image is cached on the given node.
func (img *Image) OnNode(node string) bool {
	return img.Nodes[node]
}

// MarkOnNode records node as holding this image, matching the
// optimistic update mark_prepulled performs (§4.2) ahead of the next
// full refresh.
func (img *Image) MarkOnNode(node string) {
	img.Nodes[node] = true
}

// MissingOn reports the eligible nodes (from the supplied set) on
// which this image is NOT yet cached — the per-image slice of
// missing_images_by_node (§8 invariant 5).
func (img *Image) MissingOn(eligible []string) []string {
	var missing []string
	for _, n := range eligible {
		if !img.Nodes[n] {
			missing = append(missing, n)
		}
	}
	return missing
}
