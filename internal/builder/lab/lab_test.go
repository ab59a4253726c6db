package lab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

func testConfig() Config {
	return Config{
		NamespacePrefix: "nublado",
		PullSecretName:  "pull-secret",
		OwnerReference:  metav1.OwnerReference{Kind: "NubladoLab", Name: "controller"},
		ReservedEnvVars: []string{"JUPYTERHUB_SERVICE_PREFIX"},
		ReservedMountPaths: []string{
			"/etc/podinfo",
		},
		Volumes: []VolumeSpec{
			{Name: "home", ClaimNameTemplate: "home-%s", MountPath: "/home/%s", SizeBytes: 1 << 30},
		},
		SizeDefinitions: map[lab.LabSize]SizeDefinition{
			lab.SizeSmall: {CPURequest: 0.5, CPULimit: 1, MemRequest: 1 << 28, MemLimit: 1 << 29},
		},
		JupyterHubNamespace: "hub",
		JupyterHubSelector:  map[string]string{"app": "jupyterhub"},
		ExternalInstanceURL: "https://rsp.example.org",
		OperatorEnv:         map[string]string{"IMAGE_DESCRIPTION": "w_2077_43"},
		PasswdBase:          "root:x:0:0:root:/root:/bin/bash\n",
		GroupBase:           "root:x:0:\n",
	}
}

func testInput() BuildInput {
	return BuildInput{
		User: lab.UserInfo{
			Username: "rachel",
			UID:      1101,
			GID:      1101,
			Groups:   []lab.Group{{Name: "lsst", GID: 2023}, {Name: "g_ir", GID: 3020}},
			Quota:    &lab.Quota{CPU: 4, MemoryBytes: 8 << 30},
		},
		Spec: lab.LabSpecification{
			Size:  lab.SizeSmall,
			Debug: true,
			Env:   map[string]string{"NOTEBOOK_DIR": "/home/rachel"},
		},
		Image: lab.ResolvedImage{
			Reference: "registry.example.com/sketchbook:w_2077_43@sha256:abcd1234",
			Tag:       "w_2077_43",
			Digest:    "sha256:abcd1234",
		},
		Token: "secret-token",
		Size:  SizeDefinition{CPURequest: 0.5, CPULimit: 1, MemRequest: 1 << 28, MemLimit: 1 << 29},
		SecretData: map[string][]byte{
			"butler-credentials": []byte("creds"),
		},
		PullSecretData: map[string][]byte{".dockerconfigjson": []byte("{}")},
	}
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "nublado-rachel", Namespace("nublado", "rachel"))
}

func TestBuildNamespaceAndLabels(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	assert.Equal(t, "nublado-rachel", b.Namespace.Name)
	assert.Equal(t, "rachel", b.Namespace.Labels[UserLabel])
	assert.Equal(t, "lsst:2023,g_ir:3020", b.Namespace.Annotations[GroupsAnnotation])
}

func TestBuildPVCUsesClaimTemplate(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	require.Len(t, b.PVCs, 1)
	assert.Equal(t, "home-rachel", b.PVCs[0].Name)
	assert.Equal(t, "nublado-rachel", b.PVCs[0].Namespace)
}

func TestBuildSecretSetsToken(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	assert.Equal(t, "c2VjcmV0LXRva2Vu", string(b.Secret.Data["token"]))
}

func TestBuildPullSecret(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	require.NotNil(t, b.PullSecret)
	assert.Equal(t, "pull-secret", b.PullSecret.Name)
	assert.Equal(t, corev1.SecretTypeDockerConfigJson, b.PullSecret.Type)
}

func TestBuildPodOwnerReference(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	require.Len(t, b.Pod.OwnerReferences, 1)
	assert.Equal(t, "controller", b.Pod.OwnerReferences[0].Name)
	assert.Equal(t, "registry.example.com/sketchbook:w_2077_43@sha256:abcd1234", b.Pod.Spec.Containers[0].Image)
}

func TestBuildRejectsReservedEnvVar(t *testing.T) {
	cfg := testConfig()
	in := testInput()
	in.Spec.Env = map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nope"}

	_, err := Build(cfg, in)
	assert.Error(t, err)
}

func TestBuildRejectsReservedMountPath(t *testing.T) {
	cfg := testConfig()
	cfg.Volumes = append(cfg.Volumes, VolumeSpec{
		Name: "podinfo-clash", ClaimNameTemplate: "clash-%s", MountPath: "/etc/podinfo",
	})

	_, err := Build(cfg, testInput())
	assert.Error(t, err)
}

func TestBuildRejectsTokenSecretCollision(t *testing.T) {
	cfg := testConfig()
	cfg.SecretSources = []SecretSourceSpec{
		{SourceSecretName: "creds", SourceKey: "token", TargetKey: "token"},
	}

	_, err := Build(cfg, testInput())
	assert.Error(t, err)
}

func TestBuildNetworkPolicyAllowsJupyterHub(t *testing.T) {
	b, err := Build(testConfig(), testInput())
	require.NoError(t, err)

	require.Len(t, b.NetworkPolicy.Spec.Ingress, 1)
	peers := b.NetworkPolicy.Spec.Ingress[0].From
	require.Len(t, peers, 2)
	assert.Equal(t, "hub", peers[1].NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"])
}

// TestBuildRecreateLabStateRoundTrip exercises the invariant the
// registry digest fix is supposed to keep intact end to end: a lab
// built with a digest-bearing ResolvedImage must have that same
// reference, tag, and digest recovered by RecreateLabState from
// nothing but the objects reconciliation reads back.
func TestBuildRecreateLabStateRoundTrip(t *testing.T) {
	cfg := testConfig()
	in := testInput()

	b, err := Build(cfg, in)
	require.NoError(t, err)

	b.Pod.Namespace = b.Namespace.Name
	b.Pod.Status.Phase = corev1.PodRunning

	got := RecreateLabState(in.User.Username, b.EnvConfigMap, b.Quota, b.Pod)
	require.NotNil(t, got)

	assert.Equal(t, in.Image.Reference, got.Image.Reference)
	assert.Equal(t, in.Image.Tag, got.Image.Tag)
	assert.Equal(t, in.Image.Digest, got.Image.Digest)

	assert.Equal(t, in.User.UID, got.User.UID)
	assert.Equal(t, in.User.GID, got.User.GID)
	assert.ElementsMatch(t, in.User.Groups, got.User.Groups)

	require.NotNil(t, got.Quota)
	assert.Equal(t, in.User.Quota.CPU, got.Quota.CPU)
	assert.Equal(t, in.User.Quota.MemoryBytes, got.Quota.MemoryBytes)

	assert.Equal(t, lab.StatusRunning, got.Status)
	assert.Equal(t, lab.InternalURLFor(ServiceName, b.Namespace.Name), got.InternalURL)
}

func TestRecreateLabStateNilOnMissingEnv(t *testing.T) {
	pod := &corev1.Pod{}
	assert.Nil(t, RecreateLabState("rachel", nil, nil, pod))

	cm := &corev1.ConfigMap{Data: map[string]string{}}
	assert.Nil(t, RecreateLabState("rachel", cm, nil, pod))
}

func TestRecreateLabStatePodPhases(t *testing.T) {
	cfg := testConfig()
	in := testInput()
	b, err := Build(cfg, in)
	require.NoError(t, err)
	b.Pod.Namespace = b.Namespace.Name

	b.Pod.Status.Phase = corev1.PodPending
	got := RecreateLabState(in.User.Username, b.EnvConfigMap, b.Quota, b.Pod)
	require.NotNil(t, got)
	assert.Equal(t, lab.StatusPending, got.Status)

	b.Pod.Status.Phase = corev1.PodFailed
	got = RecreateLabState(in.User.Username, b.EnvConfigMap, b.Quota, b.Pod)
	require.NotNil(t, got)
	assert.Equal(t, lab.StatusFailed, got.Status)
}
