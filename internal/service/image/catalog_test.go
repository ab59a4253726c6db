package image

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

type fakeNodes struct {
	nodes []domain.Node
}

func (f *fakeNodes) ListNodes(ctx context.Context) ([]domain.Node, error) {
	return f.nodes, nil
}

type fakeSource struct {
	tags []string
}

func (f *fakeSource) ListTags(ctx context.Context, repository string) ([]string, error) {
	return f.tags, nil
}

// ManifestDigest fakes a registry assigning a stable, tag-derived
// digest, so tests can exercise digest-based lookups without a real
// registry.
func (f *fakeSource) ManifestDigest(ctx context.Context, repository, tag string) (string, error) {
	return "sha256:" + tag, nil
}

func newTestCatalog(tags []string, nodeNames ...string) *Catalog {
	var nodes []domain.Node
	for _, n := range nodeNames {
		nodes = append(nodes, domain.Node{Name: n, Eligible: true})
	}
	cfg := Config{
		Registry:       "registry.example.com",
		Repository:     "sketchbook",
		RecommendedTag: "recommended",
		Releases:       1,
		Weeklies:       1,
		Dailies:        1,
	}
	return New(cfg, &fakeSource{tags: tags}, &fakeNodes{nodes: nodes}, nil)
}

func TestCatalogRefreshAndLookup(t *testing.T) {
	c := newTestCatalog([]string{"recommended", "r27_0_0", "w_2077_43", "d_2077_10_23"}, "node1", "node2")
	require.NoError(t, c.Refresh(context.Background()))

	img, err := c.ImageForTagName("w_2077_43")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWeekly, img.Tag.Category)

	_, err = c.ImageForTagName("does-not-exist")
	assert.Error(t, err)

	recommended, err := c.ImageForClass(lab.ClassRecommended)
	require.NoError(t, err)
	assert.Equal(t, "recommended", recommended.Tag.Tag)
}

func TestCatalogImageForReferenceByDigest(t *testing.T) {
	c := newTestCatalog([]string{"recommended", "w_2077_43"}, "node1")
	require.NoError(t, c.Refresh(context.Background()))

	img, err := c.ImageForReference("", "", "", "sha256:w_2077_43")
	require.NoError(t, err)
	assert.Equal(t, "w_2077_43", img.Tag.Tag)
	assert.Equal(t, "sha256:w_2077_43", img.Digest)

	_, err = c.ImageForReference("", "", "", "sha256:does-not-exist")
	assert.Error(t, err)
}

func TestCatalogMissingImagesByNode(t *testing.T) {
	c := newTestCatalog([]string{"recommended", "d_2077_10_23"}, "node1", "node2")
	require.NoError(t, c.Refresh(context.Background()))

	missing := c.MissingImagesByNode()
	assert.ElementsMatch(t, []string{"recommended", "d_2077_10_23"}, missing["node1"])
	assert.ElementsMatch(t, []string{"recommended", "d_2077_10_23"}, missing["node2"])

	c.MarkPrepulled("d_2077_10_23", "node1")
	missing = c.MissingImagesByNode()
	assert.ElementsMatch(t, []string{"recommended"}, missing["node1"])
}

func TestCatalogMenuImagesRecommendedFirst(t *testing.T) {
	c := newTestCatalog([]string{"recommended", "w_2077_43"}, "node1")
	require.NoError(t, c.Refresh(context.Background()))
	c.MarkPrepulled("recommended", "node1")
	c.MarkPrepulled("w_2077_43", "node1")

	menus := c.MenuImages()
	require.NotEmpty(t, menus.Menu)
	assert.Equal(t, "recommended", menus.Menu[0].Tag)
}

func TestCatalogRefreshSignalsWaiters(t *testing.T) {
	c := newTestCatalog([]string{"recommended"}, "node1")
	ch := c.Refreshed.Wait()

	require.NoError(t, c.Refresh(context.Background()))

	select {
	case <-ch:
	default:
		t.Fatal("expected Refreshed signal to fire")
	}
}

func TestCatalogImageForReferenceRejectsWrongRegistry(t *testing.T) {
	c := newTestCatalog([]string{"recommended"}, "node1")
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.ImageForReference("other.example.com", "sketchbook", "recommended", "")
	assert.Error(t, err)
}
