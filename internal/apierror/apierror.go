// Package apierror defines the client-facing error kinds of spec.md §7
// and the Kubernetes-error wrapping the storage layer uses to add
// (kind, namespace, name) context to every API failure.
package apierror

import (
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind is a machine-readable error classification surfaced to HTTP
// clients and used by tests to assert on failure modes (§8 scenario 4:
// "kind insufficient_quota").
type Kind string

const (
	KindInvalidToken          Kind = "invalid_token"
	KindPermissionDenied      Kind = "permission_denied"
	KindUnknownUser           Kind = "unknown_user"
	KindLabExists             Kind = "lab_exists"
	KindOperationInProgress   Kind = "operation_in_progress"
	KindInsufficientQuota     Kind = "insufficient_quota"
	KindInvalidLabSize        Kind = "invalid_lab_size"
	KindInvalidImageReference Kind = "invalid_image_reference"
	KindUnknownImage          Kind = "unknown_image"
	KindFeatureNotConfigured  Kind = "feature_not_configured"
	KindNotFound              Kind = "not_found"
	KindUpstreamError         Kind = "upstream_error"
	KindRegistryError         Kind = "registry_error"
	KindInternal              Kind = "internal_error"
)

// ClientError is a client-facing (4xx) error: it carries a Kind, an
// optional field Path (e.g. "options.size" per §8 scenario 4), and a
// human message.
type ClientError struct {
	Kind    Kind
	Status  int
	Path    string
	Message string
}

func (e *ClientError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, status int, message string) *ClientError {
	return &ClientError{Kind: kind, Status: status, Message: message}
}

func NewWithPath(kind Kind, status int, path, message string) *ClientError {
	return &ClientError{Kind: kind, Status: status, Path: path, Message: message}
}

// Common constructors matching spec.md §7's enumerated client errors.
func InvalidToken(msg string) *ClientError {
	return New(KindInvalidToken, http.StatusForbidden, msg)
}

func PermissionDenied(msg string) *ClientError {
	return New(KindPermissionDenied, http.StatusForbidden, msg)
}

func UnknownUser(username string) *ClientError {
	return New(KindUnknownUser, http.StatusNotFound, fmt.Sprintf("unknown user %q", username))
}

func LabExists(username string) *ClientError {
	return New(KindLabExists, http.StatusConflict, fmt.Sprintf("lab already exists for %q", username))
}

func OperationInProgress(username string) *ClientError {
	return New(KindOperationInProgress, http.StatusConflict, fmt.Sprintf("operation already in progress for %q", username))
}

func InsufficientQuota(path, msg string) *ClientError {
	return NewWithPath(KindInsufficientQuota, http.StatusForbidden, path, msg)
}

func InvalidLabSize(size string) *ClientError {
	return New(KindInvalidLabSize, http.StatusBadRequest, fmt.Sprintf("unknown lab size %q", size))
}

func InvalidImageReference(ref string) *ClientError {
	return New(KindInvalidImageReference, http.StatusBadRequest, fmt.Sprintf("invalid image reference %q", ref))
}

func UnknownImage(ref string) *ClientError {
	return New(KindUnknownImage, http.StatusNotFound, fmt.Sprintf("unknown image %q", ref))
}

func FeatureNotConfigured(feature string) *ClientError {
	return New(KindFeatureNotConfigured, http.StatusNotImplemented, fmt.Sprintf("%s is not configured", feature))
}

// NotFoundError signals a resource absent from Kubernetes; the storage
// layer treats reads/deletes returning this as silent success where
// spec.md requires it (§7 "404 on read/delete is silent success").
type NotFoundError struct {
	Kind      string
	Namespace string
	Name      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s/%s not found", e.Kind, e.Namespace, e.Name)
}

func NewNotFound(kind, ns, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Namespace: ns, Name: name}
}

// KubernetesError wraps every non-404 API failure with (kind,
// namespace, name) context, and records whether the underlying status
// is retriable (5xx / 429 / conflict) so call sites can decide whether
// to retry without re-parsing the error.
type KubernetesError struct {
	Kind      string
	Namespace string
	Name      string
	Cause     error
	Retriable bool
}

func (e *KubernetesError) Error() string {
	return fmt.Sprintf("kubernetes: %s %s/%s: %v", e.Kind, e.Namespace, e.Name, e.Cause)
}

func (e *KubernetesError) Unwrap() error {
	return e.Cause
}

func NewKubernetesError(kind, ns, name string, cause error, status apierrors.APIStatus) *KubernetesError {
	retriable := false
	if status != nil {
		code := status.Status().Code
		retriable = code == 0 || code >= 500 || code == http.StatusTooManyRequests || code == http.StatusConflict
	} else {
		retriable = true
	}
	return &KubernetesError{Kind: kind, Namespace: ns, Name: name, Cause: cause, Retriable: retriable}
}

// AlertWorthy is implemented by errors that should be reported to the
// alert sink in rich block format (§7 "alert-worthy for spawn/delete");
// plain errors are posted as plain text instead.
type AlertWorthy interface {
	error
	AlertBlocks() map[string]any
}
