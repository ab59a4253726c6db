// Package fileserver builds the Kubernetes objects a user's on-demand
// file server needs (§4.6): a GafaelfawrIngress custom resource, a
// Service, and a Job whose pod mounts every configured user volume and
// PVC. Grounded on the same getVClusterValues-style plain-struct
// mapping as internal/builder/lab, adapted to the file-server's
// simpler two-object-plus-job shape.
package fileserver

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	CategoryLabel = "nublado.lsst.io/category"
	UserLabel     = "nublado.lsst.io/user"

	CategoryFileserver = "fileserver"
	CategoryFSAdmin    = "fsadmin"
)

func argoAnnotations() map[string]string {
	return map[string]string{
		"argocd.argoproj.io/compare-options": "IgnoreExtraneous",
		"argocd.argoproj.io/sync-options":    "Prune=false",
	}
}

// VolumeSpec mirrors internal/builder/lab's VolumeSpec: a configured
// PVC-backed volume shared between a user's lab and their file server.
type VolumeSpec struct {
	Name              string
	ClaimNameTemplate string
	MountPath         string
	ReadOnly          bool
}

// Config is the static, operator-configured file-server policy.
type Config struct {
	Namespace       string // the shared file-server namespace (not per-user)
	IngressClass    string
	HostTemplate    string // "%s-files.example.org", substituted with username
	Image           string // file-server container image
	Volumes         []VolumeSpec
	OwnerReference  metav1.OwnerReference
}

// Name is the fixed object name for a user's file server (Job,
// Service, Ingress all share it): §4.6's pod-name-regex fallback
// `^(.*)-fs$` depends on this exact suffix.
func Name(username string) string {
	return username + "-fs"
}

func labels(username, category string) map[string]string {
	return map[string]string{
		CategoryLabel: category,
		UserLabel:     username,
	}
}

// Bundle is the object set Build produces.
type Bundle struct {
	Ingress *unstructured.Unstructured
	Service *corev1.Service
	Job     *batchv1.Job
}

// gafaelfawrIngressGVK is the GroupVersionKind of the GafaelfawrIngress
// custom resource; no typed clientset exists for it in the pack, so it
// is built and applied through the dynamic client as unstructured data,
// mirroring the teacher's VirtualCluster handling in
// internal/repository/workspace/kubernetes.go.
var gafaelfawrIngressGVK = map[string]interface{}{
	"apiVersion": "gafaelfawr.lsst.io/v1alpha1",
	"kind":       "GafaelfawrIngress",
}

// Host is the hostname a user's file server is reachable at, per
// cfg.HostTemplate. Exported so the /files handler can report it
// without duplicating the substitution rule Build uses.
func Host(cfg Config, username string) string {
	return fmt.Sprintf(cfg.HostTemplate, username)
}

// Build constructs the object bundle for username's file server.
func Build(cfg Config, username string) *Bundle {
	name := Name(username)

	ing := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": gafaelfawrIngressGVK["apiVersion"],
		"kind":       gafaelfawrIngressGVK["kind"],
		"metadata": map[string]interface{}{
			"name":        name,
			"namespace":   cfg.Namespace,
			"labels":      toInterfaceMap(labels(username, CategoryFSAdmin)),
			"annotations": toInterfaceMap(argoAnnotations()),
		},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{
					"name": name,
				},
				"spec": map[string]interface{}{
					"ingressClassName": cfg.IngressClass,
					"rules": []interface{}{
						map[string]interface{}{
							"host": Host(cfg, username),
							"http": map[string]interface{}{
								"paths": []interface{}{
									map[string]interface{}{
										"path":     "/",
										"pathType": "Prefix",
										"backend": map[string]interface{}{
											"service": map[string]interface{}{
												"name": name,
												"port": map[string]interface{}{"number": int64(8000)},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   cfg.Namespace,
			Labels:      labels(username, CategoryFileserver),
			Annotations: argoAnnotations(),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{UserLabel: username, CategoryLabel: CategoryFileserver},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 8000, TargetPort: intstr.FromInt(8000)},
			},
		},
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for _, v := range cfg.Volumes {
		claim := fmt.Sprintf(v.ClaimNameTemplate, username)
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

	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       cfg.Namespace,
			Labels:          labels(username, CategoryFileserver),
			Annotations:     argoAnnotations(),
			OwnerReferences: []metav1.OwnerReference{cfg.OwnerReference},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Name:   name,
					Labels: labels(username, CategoryFileserver),
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes:       volumes,
					Containers: []corev1.Container{
						{
							Name:         "fileserver",
							Image:        cfg.Image,
							Ports:        []corev1.ContainerPort{{Name: "http", ContainerPort: 8000}},
							VolumeMounts: mounts,
						},
					},
				},
			},
		},
	}

	return &Bundle{Ingress: ing, Service: svc, Job: job}
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
