package podinfo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/nublado-controller/internal/podinfo"
)

func writeDownwardAPI(t *testing.T, name, uid, namespace string) string {
	t.Helper()
	dir := t.TempDir()
	for file, value := range map[string]string{
		"name":      name,
		"uid":       uid,
		"namespace": namespace,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(value+"\n"), 0o644))
	}
	return dir
}

func TestReadSuccess(t *testing.T) {
	dir := writeDownwardAPI(t, "nublado-controller-abc123", "1234-uid", "nublado")

	info, err := podinfo.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "nublado-controller-abc123", info.Name)
	assert.Equal(t, "1234-uid", info.UID)
	assert.Equal(t, "nublado", info.Namespace)
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte("nublado-controller"), 0o644))

	_, err := podinfo.Read(dir)
	assert.Error(t, err)
}

func TestReadEmptyFile(t *testing.T) {
	dir := writeDownwardAPI(t, "nublado-controller", "uid", "")

	_, err := podinfo.Read(dir)
	assert.Error(t, err)
}

func TestOwnerReference(t *testing.T) {
	info := &podinfo.Info{Name: "nublado-controller-abc123", UID: "1234-uid", Namespace: "nublado"}
	ref := info.OwnerReference()

	assert.Equal(t, "v1", ref.APIVersion)
	assert.Equal(t, "Pod", ref.Kind)
	assert.Equal(t, "nublado-controller-abc123", ref.Name)
	assert.Equal(t, "1234-uid", string(ref.UID))
	require.NotNil(t, ref.BlockOwnerDeletion)
	assert.True(t, *ref.BlockOwnerDeletion)
}

func TestFallback(t *testing.T) {
	info := podinfo.Fallback("default-labs")

	assert.Equal(t, "", info.Name)
	assert.Equal(t, "default-labs", info.Namespace)
}
