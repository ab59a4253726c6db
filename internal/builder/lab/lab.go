// Package lab implements the pure, side-effect-free object-construction
// functions of spec.md §4.4: (user, spec, resolved image, fetched
// secrets) -> the full fan-out set of Kubernetes objects a lab needs,
// plus the inverse function that reconstructs a UserLabState from the
// three objects reconciliation reads back. Grounded on the teacher's
// getVClusterValues/getPlanLimits plan-to-manifest mapping in
// internal/repository/workspace/kubernetes.go: plain structs and
// switch-free table lookups instead of a templating engine.
package lab

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

// CategoryLabel and UserLabel are the mandatory labels §6 requires on
// every user-scoped object the controller creates.
const (
	CategoryLabel  = "nublado.lsst.io/category"
	UserLabel      = "nublado.lsst.io/user"
	GroupsAnnotation = "nublado.lsst.io/user-groups"

	CategoryLab = "lab"
)

// argoAnnotations makes every managed object Argo-CD-compatible per §6:
// the controller's own reconciliation must not fight a GitOps operator
// that happens to watch the same namespaces.
func argoAnnotations() map[string]string {
	return map[string]string{
		"argocd.argoproj.io/compare-options": "IgnoreExtraneous",
		"argocd.argoproj.io/sync-options":    "Prune=false",
	}
}

func labels(username string) map[string]string {
	return map[string]string{
		CategoryLabel: CategoryLab,
		UserLabel:     username,
	}
}

func objectMeta(name, namespace, username string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:        name,
		Namespace:   namespace,
		Labels:      labels(username),
		Annotations: argoAnnotations(),
	}
}

// SizeDefinition is the CPU/memory requests and limits a LabSize
// resolves to.
type SizeDefinition struct {
	CPURequest    float64
	CPULimit      float64
	MemRequest    int64
	MemLimit      int64
}

// VolumeSpec is a configured PVC-backed volume mounted into every lab
// pod. ClaimNameTemplate may contain "%s", substituted with the
// username.
type VolumeSpec struct {
	Name               string
	ClaimNameTemplate  string
	MountPath          string
	ReadOnly           bool
	SizeBytes          int64
	AccessModes        []corev1.PersistentVolumeAccessMode
}

// InitContainerSpec is one configured init container; Privileged
// controls whether it runs with a privileged security context (e.g.
// the permission-fixing init container some deployments run as root).
type InitContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Privileged bool
}

// SecretSourceSpec names one (source secret, key) pair merged into the
// lab's own Secret object, optionally also mounted as a file.
type SecretSourceSpec struct {
	SourceSecretName string
	SourceKey        string
	TargetKey        string
	MountPath        string // empty: merged into Secret data only, not mounted
}

// Config is the static, operator-configured policy the builder needs;
// it does not vary per user or per spawn.
type Config struct {
	NamespacePrefix string

	PullSecretName string // non-empty: clone this secret into the lab namespace

	OwnerReference metav1.OwnerReference

	ReservedEnvVars    []string
	ReservedMountPaths []string

	Volumes        []VolumeSpec
	InitContainers []InitContainerSpec
	SecretSources  []SecretSourceSpec

	SizeDefinitions map[lab.LabSize]SizeDefinition

	JupyterHubNamespace string
	JupyterHubSelector  map[string]string

	ExternalInstanceURL string
	OperatorEnv         map[string]string

	PasswdBase string // base /etc/passwd content, before the user line is appended
	GroupBase  string // base /etc/group content, before named-group lines are appended
}

// BuildInput is everything specific to one spawn.
type BuildInput struct {
	User   lab.UserInfo
	Spec   lab.LabSpecification
	Image  lab.ResolvedImage
	Token  string // bearer token, merged into the reserved "token" secret key
	Size   SizeDefinition

	SecretData     map[string][]byte // TargetKey -> value, already fetched
	PullSecretData map[string][]byte // .dockerconfigjson -> value, or nil
}

// Bundle is the full set of objects Build produces, in the order §4.5
// applies them: namespace, PVCs, env ConfigMap, other ConfigMaps,
// secrets, quota, NetworkPolicy, Service, Pod.
type Bundle struct {
	Namespace       *corev1.Namespace
	PVCs            []*corev1.PersistentVolumeClaim
	EnvConfigMap    *corev1.ConfigMap
	PasswdConfigMap *corev1.ConfigMap
	ExtraConfigMap  *corev1.ConfigMap
	Secret          *corev1.Secret
	PullSecret      *corev1.Secret
	Quota           *corev1.ResourceQuota
	NetworkPolicy   *networkingv1.NetworkPolicy
	Service         *corev1.Service
	Pod             *corev1.Pod
}

// Namespace returns the namespace name for username (<prefix>-<user>,
// §4.4).
func Namespace(prefix, username string) string {
	return prefix + "-" + username
}

// ServiceName is the fixed name of a lab's Service, Pod, Secret and
// NetworkPolicy; the env and passwd ConfigMaps and the ResourceQuota
// use it as a prefix ("lab-env", "lab-passwd", "lab-quota"). PVCs and
// the pull secret take their names from configuration.
const ServiceName = "lab"

// Build constructs the full object bundle for one spawn. It is pure:
// given the same inputs it always returns the same objects (modulo
// object identity), with no I/O and no dependency on cluster state.
func Build(cfg Config, in BuildInput) (*Bundle, error) {
	ns := Namespace(cfg.NamespacePrefix, in.User.Username)

	b := &Bundle{
		Namespace: &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name:        ns,
				Labels:      labels(in.User.Username),
				Annotations: annotationsWithGroups(in.User),
			},
		},
	}

	for _, v := range cfg.Volumes {
		claim := fmt.Sprintf(v.ClaimNameTemplate, in.User.Username)
		modes := v.AccessModes
		if len(modes) == 0 {
			modes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}
		}
		b.PVCs = append(b.PVCs, &corev1.PersistentVolumeClaim{
			ObjectMeta: objectMeta(claim, ns, in.User.Username),
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes: modes,
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceStorage: *resource.NewQuantity(v.SizeBytes, resource.BinarySI),
					},
				},
			},
		})
	}

	envData, err := buildEnv(cfg, in)
	if err != nil {
		return nil, err
	}
	b.EnvConfigMap = &corev1.ConfigMap{
		ObjectMeta: objectMeta(ServiceName+"-env", ns, in.User.Username),
		Data:       envData,
	}

	b.PasswdConfigMap = &corev1.ConfigMap{
		ObjectMeta: objectMeta(ServiceName+"-passwd", ns, in.User.Username),
		Data: map[string]string{
			"passwd": buildPasswd(cfg.PasswdBase, in.User),
			"group":  buildGroup(cfg.GroupBase, in.User),
		},
	}

	secretData, err := buildSecretData(cfg, in)
	if err != nil {
		return nil, err
	}
	b.Secret = &corev1.Secret{
		ObjectMeta: objectMeta(ServiceName, ns, in.User.Username),
		Data:       secretData,
	}

	if in.PullSecretData != nil {
		b.PullSecret = &corev1.Secret{
			ObjectMeta: objectMeta(cfg.PullSecretName, ns, in.User.Username),
			Type:       corev1.SecretTypeDockerConfigJson,
			Data:       in.PullSecretData,
		}
	}

	if in.User.Quota != nil {
		b.Quota = &corev1.ResourceQuota{
			ObjectMeta: objectMeta(ServiceName+"-quota", ns, in.User.Username),
			Spec: corev1.ResourceQuotaSpec{
				Hard: corev1.ResourceList{
					corev1.ResourceRequestsCPU:    *resource.NewMilliQuantity(int64(in.User.Quota.CPU*1000), resource.DecimalSI),
					corev1.ResourceRequestsMemory: *resource.NewQuantity(in.User.Quota.MemoryBytes, resource.BinarySI),
				},
			},
		}
	}

	b.NetworkPolicy = buildNetworkPolicy(cfg, ns, in.User.Username)
	b.Service = buildService(ns, in.User.Username)

	pod, err := buildPod(cfg, in, ns)
	if err != nil {
		return nil, err
	}
	b.Pod = pod

	return b, nil
}

// annotationsWithGroups folds the Argo-CD annotations together with
// the round-trippable group-membership annotation recreate_lab_state
// needs (§4.4: "/etc/group order is not recoverable from the pod alone").
func annotationsWithGroups(u lab.UserInfo) map[string]string {
	ann := argoAnnotations()
	var names []string
	for _, g := range u.Groups {
		names = append(names, fmt.Sprintf("%s:%d", g.Name, g.GID))
	}
	ann[GroupsAnnotation] = strings.Join(names, ",")
	return ann
}

// buildEnv implements the deterministic merge order of §4.4: spec env,
// then debug/reset flags, then controller-computed variables, then
// operator-configured env (wins last).
func buildEnv(cfg Config, in BuildInput) (map[string]string, error) {
	reserved := make(map[string]bool, len(cfg.ReservedEnvVars))
	for _, k := range cfg.ReservedEnvVars {
		reserved[k] = true
	}

	out := make(map[string]string)
	for k, v := range in.Spec.Env {
		if reserved[k] {
			return nil, fmt.Errorf("lab builder: environment variable %q is reserved", k)
		}
		out[k] = v
	}

	out["DEBUG"] = boolEnv(in.Spec.Debug)
	out["RESET_USER_ENV"] = boolEnv(in.Spec.ResetUserEnv)

	out["JUPYTER_IMAGE_SPEC"] = in.Image.Reference
	out["CPU_LIMIT"] = strconv.FormatFloat(in.Size.CPULimit, 'f', -1, 64)
	out["MEM_LIMIT"] = strconv.FormatInt(in.Size.MemLimit, 10)
	out["EXTERNAL_INSTANCE_URL"] = cfg.ExternalInstanceURL

	for k, v := range cfg.OperatorEnv {
		out[k] = v
	}
	return out, nil
}

func boolEnv(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// buildPasswd appends the user's /etc/passwd line to base.
func buildPasswd(base string, u lab.UserInfo) string {
	line := fmt.Sprintf("%s:x:%d:%d:%s:/home/%s:/bin/bash\n", u.Username, u.UID, u.GID, u.DisplayName, u.Username)
	return base + line
}

// buildGroup appends one line per supplementary group in u.Groups to
// base, with the user listed as a member. No line is added for the
// user's primary GID.
func buildGroup(base string, u lab.UserInfo) string {
	var b strings.Builder
	b.WriteString(base)
	for _, g := range u.Groups {
		b.WriteString(fmt.Sprintf("%s:x:%d:%s\n", g.Name, g.GID, u.Username))
	}
	return b.String()
}

// buildSecretData merges every configured secret source under its
// target key, plus the reserved "token" key holding the user's
// base64-encoded bearer token.
func buildSecretData(cfg Config, in BuildInput) (map[string][]byte, error) {
	out := make(map[string][]byte)
	seen := make(map[string]bool)
	for _, src := range cfg.SecretSources {
		if src.TargetKey == "token" {
			return nil, fmt.Errorf("lab builder: secret key %q is reserved", "token")
		}
		if seen[src.TargetKey] {
			return nil, fmt.Errorf("lab builder: duplicate secret key %q", src.TargetKey)
		}
		seen[src.TargetKey] = true
		out[src.TargetKey] = in.SecretData[src.TargetKey]
	}
	out["token"] = []byte(base64.StdEncoding.EncodeToString([]byte(in.Token)))
	return out, nil
}

func buildNetworkPolicy(cfg Config, ns, username string) *networkingv1.NetworkPolicy {
	protocolTCP := corev1.ProtocolTCP
	port := intstr.FromInt(8888)
	peers := []networkingv1.NetworkPolicyPeer{
		{
			PodSelector: &metav1.LabelSelector{}, // same-namespace pods
		},
	}
	if cfg.JupyterHubNamespace != "" {
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			NamespaceSelector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"kubernetes.io/metadata.name": cfg.JupyterHubNamespace},
			},
			PodSelector: &metav1.LabelSelector{MatchLabels: cfg.JupyterHubSelector},
		})
	}
	return &networkingv1.NetworkPolicy{
		ObjectMeta: objectMeta(ServiceName, ns, username),
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{UserLabel: username}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &protocolTCP, Port: &port},
					},
					From: peers,
				},
			},
		},
	}
}

func buildService(ns, username string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: objectMeta(ServiceName, ns, username),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{UserLabel: username},
			Ports: []corev1.ServicePort{
				{Name: "notebook", Port: 8888, TargetPort: intstr.FromInt(8888)},
			},
		},
	}
}

func buildPod(cfg Config, in BuildInput, ns string) (*corev1.Pod, error) {
	reservedPaths := make(map[string]bool, len(cfg.ReservedMountPaths))
	for _, p := range cfg.ReservedMountPaths {
		reservedPaths[p] = true
	}

	uid := int64(in.User.UID)
	gid := int64(in.User.GID)
	var supplemental []int64
	for _, g := range in.User.Groups {
		supplemental = append(supplemental, int64(g.GID))
	}
	nonRoot := true
	readOnlyRoot := true

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount

	for _, v := range cfg.Volumes {
		if reservedPaths[v.MountPath] {
			return nil, fmt.Errorf("lab builder: mount path %q is reserved", v.MountPath)
		}
		claim := fmt.Sprintf(v.ClaimNameTemplate, in.User.Username)
		volumes = append(volumes, corev1.Volume{
			Name: v.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: claim,
					ReadOnly:  v.ReadOnly,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: v.Name, MountPath: v.MountPath, ReadOnly: v.ReadOnly})
	}

	for _, src := range cfg.SecretSources {
		if src.MountPath == "" {
			continue
		}
		name := "secret-" + src.TargetKey
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: ServiceName,
					Items:      []corev1.KeyToPath{{Key: src.TargetKey, Path: src.TargetKey}},
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: src.MountPath, ReadOnly: true, SubPath: src.TargetKey})
	}

	tmpSize := resource.NewQuantity(in.Size.MemLimit/4, resource.BinarySI)
	volumes = append(volumes, corev1.Volume{
		Name: "tmp",
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory, SizeLimit: tmpSize},
		},
	})
	mounts = append(mounts, corev1.VolumeMount{Name: "tmp", MountPath: "/tmp"})

	volumes = append(volumes, corev1.Volume{
		Name: "resource-limits",
		VolumeSource: corev1.VolumeSource{
			DownwardAPI: &corev1.DownwardAPIVolumeSource{
				Items: []corev1.DownwardAPIVolumeFile{
					{Path: "cpu_limit", ResourceFieldRef: &corev1.ResourceFieldSelector{ContainerName: "notebook", Resource: "limits.cpu"}},
					{Path: "memory_limit", ResourceFieldRef: &corev1.ResourceFieldSelector{ContainerName: "notebook", Resource: "limits.memory"}},
				},
			},
		},
	})
	mounts = append(mounts, corev1.VolumeMount{Name: "resource-limits", MountPath: "/etc/podinfo"})

	var initContainers []corev1.Container
	for _, ic := range cfg.InitContainers {
		c := corev1.Container{
			Name:    ic.Name,
			Image:   ic.Image,
			Command: ic.Command,
		}
		if ic.Privileged {
			priv := true
			c.SecurityContext = &corev1.SecurityContext{Privileged: &priv}
		}
		initContainers = append(initContainers, c)
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(in.Size.CPURequest*1000), resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(in.Size.MemRequest, resource.BinarySI),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(in.Size.CPULimit*1000), resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(in.Size.MemLimit, resource.BinarySI),
		},
	}

	var imagePullSecrets []corev1.LocalObjectReference
	if in.PullSecretData != nil {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: cfg.PullSecretName})
	}

	meta := objectMeta(ServiceName, ns, in.User.Username)
	meta.Annotations = annotationsWithGroups(in.User)
	meta.OwnerReferences = []metav1.OwnerReference{cfg.OwnerReference}
	pod := &corev1.Pod{
		ObjectMeta: meta,
		Spec: corev1.PodSpec{
			InitContainers:   initContainers,
			ImagePullSecrets: imagePullSecrets,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:          &uid,
				RunAsGroup:         &gid,
				RunAsNonRoot:       &nonRoot,
				SupplementalGroups: supplemental,
			},
			Volumes: volumes,
			Containers: []corev1.Container{
				{
					Name:  "notebook",
					Image: in.Image.Reference,
					Ports: []corev1.ContainerPort{{Name: "notebook", ContainerPort: 8888}},
					EnvFrom: []corev1.EnvFromSource{
						{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: ServiceName + "-env"}}},
					},
					VolumeMounts: mounts,
					Resources:    resources,
					SecurityContext: &corev1.SecurityContext{
						ReadOnlyRootFilesystem: &readOnlyRoot,
						RunAsNonRoot:           &nonRoot,
					},
				},
			},
		},
	}
	return pod, nil
}

// RecreateLabState parses the env ConfigMap, ResourceQuota, and Pod
// reconciliation reads back from Kubernetes into a UserLabState,
// implementing the inverse of Build (§4.4). It returns nil on any
// inconsistency that makes the namespace unparsable.
func RecreateLabState(username string, envCM *corev1.ConfigMap, quota *corev1.ResourceQuota, pod *corev1.Pod) *lab.UserLabState {
	if envCM == nil || pod == nil {
		return nil
	}
	imageSpec, ok := envCM.Data["JUPYTER_IMAGE_SPEC"]
	if !ok {
		return nil
	}
	ref, tag, digest := splitImageSpec(imageSpec)

	uid, gid := int(0), int(0)
	if pod.Spec.SecurityContext != nil {
		if pod.Spec.SecurityContext.RunAsUser != nil {
			uid = int(*pod.Spec.SecurityContext.RunAsUser)
		}
		if pod.Spec.SecurityContext.RunAsGroup != nil {
			gid = int(*pod.Spec.SecurityContext.RunAsGroup)
		}
	}

	groups := parseGroupsAnnotation(pod.Annotations[GroupsAnnotation])

	var resources lab.ResourceAmounts
	if len(pod.Spec.Containers) > 0 {
		c := pod.Spec.Containers[0]
		resources = lab.ResourceAmounts{
			CPURequest:    c.Resources.Requests.Cpu().AsApproximateFloat64(),
			CPULimit:      c.Resources.Limits.Cpu().AsApproximateFloat64(),
			MemoryRequest: c.Resources.Requests.Memory().Value(),
			MemoryLimit:   c.Resources.Limits.Memory().Value(),
		}
	}

	var q *lab.Quota
	if quota != nil {
		cpu := quota.Spec.Hard[corev1.ResourceRequestsCPU]
		mem := quota.Spec.Hard[corev1.ResourceRequestsMemory]
		q = &lab.Quota{CPU: cpu.AsApproximateFloat64(), MemoryBytes: mem.Value()}
	}

	status := lab.StatusRunning
	switch pod.Status.Phase {
	case corev1.PodPending:
		status = lab.StatusPending
	case corev1.PodFailed:
		status = lab.StatusFailed
	}

	return &lab.UserLabState{
		User: lab.UserInfo{
			Username: username,
			UID:      uid,
			GID:      gid,
			Groups:   groups,
			Quota:    q,
		},
		Options: lab.LabSpecification{
			Debug:        envCM.Data["DEBUG"] == "true",
			ResetUserEnv: envCM.Data["RESET_USER_ENV"] == "true",
		},
		Image: lab.ResolvedImage{
			Reference: ref,
			Tag:       tag,
			Digest:    digest,
		},
		Status:      status,
		PodPhase:    string(pod.Status.Phase),
		InternalURL: lab.InternalURLFor(ServiceName, pod.Namespace),
		Resources:   resources,
		Quota:       q,
	}
}

// splitImageSpec splits a "registry/repo:tag@digest" reference into
// its reference/tag/digest parts.
func splitImageSpec(spec string) (ref, tag, digest string) {
	ref = spec
	base := spec
	if i := strings.Index(spec, "@"); i >= 0 {
		base = spec[:i]
		digest = spec[i+1:]
	}
	if i := strings.LastIndex(base, ":"); i >= 0 {
		tag = base[i+1:]
	}
	return ref, tag, digest
}

func parseGroupsAnnotation(ann string) []lab.Group {
	if ann == "" {
		return nil
	}
	parts := strings.Split(ann, ",")
	groups := make([]lab.Group, 0, len(parts))
	for _, p := range parts {
		nameGID := strings.SplitN(p, ":", 2)
		if len(nameGID) != 2 {
			continue
		}
		gid, err := strconv.Atoi(nameGID[1])
		if err != nil {
			continue
		}
		groups = append(groups, lab.Group{Name: nameGID[0], GID: gid})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}
