package fileserver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
)

func testConfig() fileserver.Config {
	return fileserver.Config{
		Namespace:    "fileservers",
		IngressClass: "nginx",
		HostTemplate: "%s-files.example.org",
		Image:        "fileserver:latest",
		Volumes: []fileserver.VolumeSpec{
			{Name: "home", ClaimNameTemplate: "%s-home", MountPath: "/mnt/home", ReadOnly: false},
		},
		OwnerReference: metav1.OwnerReference{Name: "nublado-controller", Kind: "Pod"},
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "rachel-fs", fileserver.Name("rachel"))
}

func TestHost(t *testing.T) {
	assert.Equal(t, "rachel-files.example.org", fileserver.Host(testConfig(), "rachel"))
}

func TestBuild(t *testing.T) {
	bundle := fileserver.Build(testConfig(), "rachel")

	require.NotNil(t, bundle.Service)
	assert.Equal(t, "rachel-fs", bundle.Service.Name)
	assert.Equal(t, "fileservers", bundle.Service.Namespace)

	require.NotNil(t, bundle.Job)
	assert.Equal(t, "rachel-fs", bundle.Job.Name)
	assert.Equal(t, []metav1.OwnerReference{{Name: "nublado-controller", Kind: "Pod"}}, bundle.Job.OwnerReferences)
	require.Len(t, bundle.Job.Spec.Template.Spec.Volumes, 1)
	assert.Equal(t, "rachel-home", bundle.Job.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)

	require.NotNil(t, bundle.Ingress)
	assert.Equal(t, "GafaelfawrIngress", bundle.Ingress.Object["kind"])
	meta := bundle.Ingress.Object["metadata"].(map[string]interface{})
	assert.Equal(t, "rachel-fs", meta["name"])
}
