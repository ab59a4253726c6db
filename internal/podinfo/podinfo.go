// Package podinfo reads the controller's own pod identity from the
// Kubernetes downward API (§6 "Downward-API input", §9 "Owner
// references for garbage collection"). Every prepuller pod and
// supplemental object the controller creates carries an owner
// reference back to the controller's own pod so that Kubernetes
// garbage-collects them when the controller is removed; that owner
// reference is resolved from this mounted directory once at startup.
// The lab namespace prefix is not taken from it: it comes from
// configuration (K8s.NamespacePrefix).
//
// Grounded on _examples/original_source/src/nublado/controller/storage/metadata.go
// (MetadataStorage.namespace / owner_reference cached-property reads
// of name/uid/namespace files), adapted from lazily-cached properties
// to an eagerly-read, immutable value read once in cmd/controller/main.go.
package podinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Info is the controller's own identity as read from the downward API.
type Info struct {
	Name      string
	UID       string
	Namespace string
}

// OwnerReference builds the owner reference every controller-created
// prepuller pod (and, transitively, the rest of that object's fan-out)
// carries, pointing back at the controller's own pod.
func (i Info) OwnerReference() metav1.OwnerReference {
	blockOwnerDeletion := true
	return metav1.OwnerReference{
		APIVersion:         "v1",
		Kind:               "Pod",
		Name:               i.Name,
		UID:                types.UID(i.UID),
		BlockOwnerDeletion: &blockOwnerDeletion,
	}
}

// Read loads name/uid/namespace from the three files expected under
// mountPath. All three must be present and non-empty; a partial mount
// is treated as absent (the caller decides, per §9's open question,
// whether to fall back to a default namespace or refuse to start).
func Read(mountPath string) (*Info, error) {
	name, err := readTrimmed(filepath.Join(mountPath, "name"))
	if err != nil {
		return nil, err
	}
	uid, err := readTrimmed(filepath.Join(mountPath, "uid"))
	if err != nil {
		return nil, err
	}
	namespace, err := readTrimmed(filepath.Join(mountPath, "namespace"))
	if err != nil {
		return nil, err
	}
	return &Info{Name: name, UID: uid, Namespace: namespace}, nil
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return v, nil
}

// Fallback builds an Info to use when the downward API mount is absent
// and the operator has not set RequireDownwardAPI (§9 open question):
// a synthetic owner reference naming the configured fallback namespace
// with no real pod behind it, so prepuller pods simply carry no
// functioning garbage-collection root instead of crashing at startup.
func Fallback(fallbackNamespace string) *Info {
	return &Info{Name: "", UID: "", Namespace: fallbackNamespace}
}
