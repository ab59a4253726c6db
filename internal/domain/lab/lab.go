// Package lab holds the in-memory data model for a user's Jupyter lab
// (§3): the user snapshot, the spawn request, the authoritative state
// record, and the progress events a spawn or delete emits.
package lab

import (
	"errors"
	"regexp"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9]|-[a-z0-9])*[a-z]([a-z0-9]|-[a-z0-9])*$`)

// ErrInvalidUsername is returned by ValidateUsername when username
// does not match the platform's username grammar.
var ErrInvalidUsername = errors.New("invalid username")

// ValidateUsername reports whether username matches the platform
// grammar used across namespace names, labels, and pod names.
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Quota is a per-user resource allowance. A nil UserInfo.Quota means
// "no quota configured", and no quota check applies.
type Quota struct {
	CPU          float64 `json:"cpu"`
	MemoryBytes  int64   `json:"memory_bytes"`
	APICallQuota int     `json:"api_call_quota,omitempty"`
}

// Group is a POSIX supplementary group. Only groups with a numeric
// GID survive into a lab's supplementary group list (§3).
type Group struct {
	Name string `json:"name"`
	GID  int    `json:"gid"`
}

// UserInfo is the identity snapshot resolved from the configured
// identity service and attached to a UserLabState for the life of a
// lab.
type UserInfo struct {
	Username    string  `json:"username"`
	DisplayName string  `json:"name"`
	UID         int     `json:"uid"`
	GID         int     `json:"gid"`
	Groups      []Group `json:"groups"`
	Quota       *Quota  `json:"quota,omitempty"`
}

// LabSize enumerates the fixed t-shirt sizes a lab may request, from
// smallest to largest, plus a custom escape hatch resolved by
// configuration rather than this enum.
type LabSize string

const (
	SizeFine       LabSize = "fine"
	SizeDiminutive LabSize = "diminutive"
	SizeTiny       LabSize = "tiny"
	SizeSmall      LabSize = "small"
	SizeMedium     LabSize = "medium"
	SizeLarge      LabSize = "large"
	SizeHuge       LabSize = "huge"
	SizeGargantuan LabSize = "gargantuan"
	SizeColossal   LabSize = "colossal"
	SizeCustom     LabSize = "custom"
)

// SizeOrder lists every known size from smallest to largest. Quota
// checks compare CPU and memory limits directly and do not consult it.
var SizeOrder = []LabSize{
	SizeFine, SizeDiminutive, SizeTiny, SizeSmall, SizeMedium,
	SizeLarge, SizeHuge, SizeGargantuan, SizeColossal, SizeCustom,
}

// ImageSelectorKind distinguishes the four mutually exclusive ways a
// LabSpecification may name an image (§3).
type ImageSelectorKind string

const (
	SelectorReference ImageSelectorKind = "reference"
	SelectorDropdown  ImageSelectorKind = "dropdown"
	SelectorClass     ImageSelectorKind = "class"
	SelectorTagName   ImageSelectorKind = "tag_name"
)

// ImageClass is the set of class keywords accepted by a class-kind
// image selector.
type ImageClass string

const (
	ClassRecommended   ImageClass = "recommended"
	ClassLatestRelease ImageClass = "latest-release"
	ClassLatestWeekly  ImageClass = "latest-weekly"
	ClassLatestDaily   ImageClass = "latest-daily"
)

// ImageSelector names exactly one of the four ways to pick an image.
type ImageSelector struct {
	Kind  ImageSelectorKind `json:"kind"`
	Value string            `json:"value"`
}

// LabSpecification is a user's spawn request (§3).
type LabSpecification struct {
	Image         ImageSelector     `json:"image"`
	Size          LabSize           `json:"size"`
	Debug         bool              `json:"debug"`
	ResetUserEnv  bool              `json:"reset_user_env"`
	Env           map[string]string `json:"env"`
}

// RequiredEnvVar is the one environment variable every LabSpecification
// must carry; its absence is a validation error at spawn time.
const RequiredEnvVar = "JUPYTERHUB_SERVICE_PREFIX"

// ErrMissingRequiredEnv is returned when a LabSpecification's Env map
// lacks RequiredEnvVar.
var ErrMissingRequiredEnv = errors.New("lab specification missing required environment variable")

// Validate checks the structural invariants a LabSpecification must
// satisfy before a spawn can proceed; it does not resolve the image
// selector or check quota, both of which need the image catalog and
// user record respectively.
func (s LabSpecification) Validate() error {
	if _, ok := s.Env[RequiredEnvVar]; !ok {
		return ErrMissingRequiredEnv
	}
	return nil
}

// ResolvedImage is the image actually bound to a lab once the
// selector has been resolved against the image catalog.
type ResolvedImage struct {
	Reference string `json:"reference"` // registry/repo:tag@digest
	Tag       string `json:"tag"`
	Digest    string `json:"digest"`
}

// Status is a UserLabState's lifecycle phase (§3).
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusFailed      Status = "failed"
)

// NotRunning reports whether status means the lab is not serving
// traffic: terminated and failed both qualify.
func (s Status) NotRunning() bool {
	return s == StatusTerminated || s == StatusFailed
}

// ResourceAmounts is a requests/limits pair for CPU and memory,
// mirroring a Kubernetes ResourceRequirements without depending on
// the API types in the domain layer.
type ResourceAmounts struct {
	CPURequest    float64 `json:"cpu_request"`
	CPULimit      float64 `json:"cpu_limit"`
	MemoryRequest int64   `json:"memory_request"`
	MemoryLimit   int64   `json:"memory_limit"`
}

// UserLabState is the authoritative in-memory record for one user's
// lab (§3). It is mutated exclusively by that user's monitor.
type UserLabState struct {
	User        UserInfo         `json:"user"`
	Options     LabSpecification `json:"options"`
	Image       ResolvedImage    `json:"image"`
	Status      Status           `json:"status"`
	InternalURL string           `json:"internal_url,omitempty"`
	Resources   ResourceAmounts  `json:"resources"`
	Quota       *Quota           `json:"quota,omitempty"`

	// PodPhase mirrors the Kubernetes pod phase observed the last time
	// a status snapshot was taken (§9 SUPPLEMENTED FEATURES). It is
	// informational only: Status, not PodPhase, is authoritative.
	PodPhase string `json:"pod_phase,omitempty"`
}

// InternalURLFor builds the internal cluster URL a lab's notebook
// service is reachable at (§9 SUPPLEMENTED FEATURES, following
// services/lab.py's template).
func InternalURLFor(serviceName, namespace string) string {
	return "http://" + serviceName + "." + namespace + ".svc.cluster.local:8888"
}

// EventType is the kind of a progress Event (§3); complete and failed
// are terminal for the stream.
type EventType string

const (
	EventInfo     EventType = "info"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
)

// Terminal reports whether t ends an event stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFailed
}

// Event is a single progress record pushed into a user's spawn or
// delete event stream (§3). Progress, when present, is in (0, 100].
type Event struct {
	Type     EventType `json:"-"`
	Message  string    `json:"message"`
	Progress *int      `json:"progress,omitempty"`
}

// NextProgress implements the spawn progress rule of §4.5: each pod
// event nudges progress toward (but never reaching) target by a third
// of the remaining distance.
func NextProgress(current, target int) int {
	return current + (target-current)/3
}
