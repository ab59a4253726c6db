package lab

import (
	"strings"

	"github.com/lsst-sqre/nublado-controller/internal/apierror"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

// resolveImage implements §4.5's image-selector resolution rule: each
// ImageSelectorKind maps onto exactly one image catalog lookup.
func (m *Manager) resolveImage(sel lab.ImageSelector) (lab.ResolvedImage, error) {
	switch sel.Kind {
	case lab.SelectorReference:
		host, repo, tag, digest := parseImageReference(sel.Value)
		img, err := m.catalog.ImageForReference(host, repo, tag, digest)
		if err != nil {
			return lab.ResolvedImage{}, err
		}
		return lab.ResolvedImage{Reference: img.Ref(), Tag: img.Tag.Tag, Digest: img.Digest}, nil
	case lab.SelectorDropdown, lab.SelectorTagName:
		img, err := m.catalog.ImageForTagName(sel.Value)
		if err != nil {
			return lab.ResolvedImage{}, err
		}
		return lab.ResolvedImage{Reference: img.Ref(), Tag: img.Tag.Tag, Digest: img.Digest}, nil
	case lab.SelectorClass:
		img, err := m.catalog.ImageForClass(lab.ImageClass(sel.Value))
		if err != nil {
			return lab.ResolvedImage{}, err
		}
		return lab.ResolvedImage{Reference: img.Ref(), Tag: img.Tag.Tag, Digest: img.Digest}, nil
	default:
		return lab.ResolvedImage{}, apierror.InvalidImageReference(sel.Value)
	}
}

// parseImageReference splits a "[registry/]repository[:tag][@digest]"
// reference into its parts. A leading path segment is treated as a
// registry host only when it looks like one (contains a dot or colon,
// or is "localhost"), the same heuristic Docker's own reference
// grammar uses to distinguish a registry host from the first path
// component of a repository name.
func parseImageReference(ref string) (registryHost, repository, tag, digest string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		digest = ref[i+1:]
		ref = ref[:i]
	}

	lastSlash := strings.LastIndex(ref, "/")
	tagPart := ref
	if lastSlash >= 0 {
		tagPart = ref[lastSlash+1:]
	}
	if i := strings.LastIndex(tagPart, ":"); i >= 0 {
		tag = tagPart[i+1:]
		tagPart = tagPart[:i]
	}
	if lastSlash >= 0 {
		ref = ref[:lastSlash+1] + tagPart
	} else {
		ref = tagPart
	}

	firstSlash := strings.Index(ref, "/")
	if firstSlash < 0 {
		repository = ref
		return
	}
	host := ref[:firstSlash]
	if strings.ContainsAny(host, ".:") || host == "localhost" {
		registryHost = host
		repository = ref[firstSlash+1:]
	} else {
		repository = ref
	}
	return
}
