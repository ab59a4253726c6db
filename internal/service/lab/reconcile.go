package lab

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	builderlab "github.com/lsst-sqre/nublado-controller/internal/builder/lab"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

var labLabelSelector = fmt.Sprintf("%s=%s", builderlab.CategoryLabel, builderlab.CategoryLab)

// Run executes one reconciliation pass at startup and then every
// ReconcileInterval until ctx is cancelled (§4.5, §5 background loop
// propagation policy: a single failure is logged and alerted, never
// fatal).
func (m *Manager) Run(ctx context.Context) {
	m.reconcileAndReport(ctx)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileAndReport(ctx)
		}
	}
}

func (m *Manager) reconcileAndReport(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error("lab reconciliation failed", zap.Error(err))
		alert.Report(ctx, m.alerts, alert.SeverityError, "lab-reconcile", err)
	}
}

// Reconcile implements §4.5's four-step algorithm. If the set of known
// usernames changes while namespaces are being listed and read (another
// request arrived concurrently), the whole pass is skipped; the next
// tick will catch up.
func (m *Manager) Reconcile(ctx context.Context) error {
	before := m.knownUsernames()

	to := timeout.New("reconcile", "", 2*time.Minute)
	namespaces, err := m.clients.Namespaces.List(ctx, "", to, labLabelSelector)
	if err != nil {
		return fmt.Errorf("list lab namespaces: %w", err)
	}

	observed := make(map[string]*lab.UserLabState)
	for _, ns := range namespaces {
		username := ns.Labels[builderlab.UserLabel]
		if username == "" {
			continue
		}
		state, rerr := m.readAndRecreate(ctx, ns.Name, username, to)
		if rerr != nil {
			m.logger.Warn("reconcile: failed to read lab namespace",
				zap.String("namespace", ns.Name), zap.Error(rerr))
			continue
		}
		if state == nil {
			m.deleteMalformedNamespace(ctx, ns.Name, username, to)
			continue
		}
		observed[username] = state
	}

	if m.knownUsernamesChanged(before) {
		m.logger.Info("reconcile: lab map changed during listing, skipping this pass")
		return nil
	}

	m.syncKnownUsers(ctx, observed)
	m.adoptNewlyObserved(observed)
	return nil
}

func (m *Manager) knownUsernames() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.users))
	for u := range m.users {
		out[u] = true
	}
	return out
}

func (m *Manager) knownUsernamesChanged(before map[string]bool) bool {
	now := m.knownUsernames()
	if len(now) != len(before) {
		return true
	}
	for u := range now {
		if !before[u] {
			return true
		}
	}
	return false
}

// deleteMalformedNamespace removes a lab namespace that could not be
// parsed back into state, provided its user has no in-flight operation
// (§4.5 step 1).
func (m *Manager) deleteMalformedNamespace(ctx context.Context, ns, username string, to *timeout.Timeout) {
	e := m.entryFor(username)
	e.mu.Lock()
	inFlight := e.op != opNone
	e.mu.Unlock()
	if inFlight {
		return
	}
	m.logger.Warn("reconcile: deleting malformed lab namespace", zap.String("namespace", ns))
	if err := m.clients.Namespaces.Delete(ctx, "", ns, to, false, nil, nil); err != nil {
		m.logger.Warn("reconcile: failed to delete malformed namespace",
			zap.String("namespace", ns), zap.Error(err))
	}
}

// syncKnownUsers implements §4.5 steps 2 and 4: for every user already
// tracked with no in-flight operation, reconcile observed vs. stored
// status and enqueue a delete for anything terminated/failed.
func (m *Manager) syncKnownUsers(ctx context.Context, observed map[string]*lab.UserLabState) {
	for username := range m.knownUsernames() {
		e := m.entryFor(username)
		e.mu.Lock()
		if e.op != opNone {
			e.mu.Unlock()
			continue
		}
		obs, seen := observed[username]
		switch {
		case !seen && e.state != nil:
			e.state.Status = lab.StatusFailed
		case seen && e.state == nil:
			e.state = obs
		case seen && e.state != nil && e.state.Status != obs.Status:
			e.state.Status = obs.Status
			e.state.PodPhase = obs.PodPhase
		}
		needsDelete := e.state != nil && e.state.Status.NotRunning()
		e.mu.Unlock()

		if needsDelete {
			if _, err := m.Delete(ctx, username); err != nil {
				m.logger.Warn("reconcile: failed to enqueue delete",
					zap.String("user", username), zap.Error(err))
			}
		}
	}
}

// adoptNewlyObserved implements §4.5 step 3: users seen in Kubernetes
// but never tracked in memory get an entry created for them.
func (m *Manager) adoptNewlyObserved(observed map[string]*lab.UserLabState) {
	for username, obs := range observed {
		e := m.entryFor(username)
		e.mu.Lock()
		if e.state == nil && e.op == opNone {
			e.state = obs
		}
		e.mu.Unlock()
	}
}

func (m *Manager) readAndRecreate(ctx context.Context, ns, username string, to *timeout.Timeout) (*lab.UserLabState, error) {
	envCM, err := m.clients.ConfigMaps.Read(ctx, ns, builderlab.ServiceName+"-env", to)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var quota *corev1.ResourceQuota
	q, qerr := m.clients.Quotas.Read(ctx, ns, builderlab.ServiceName+"-quota", to)
	switch {
	case qerr == nil:
		quota = q
	case isNotFound(qerr):
		// no quota configured for this user: not an inconsistency
	default:
		return nil, qerr
	}

	pod, err := m.clients.Pods.Read(ctx, ns, builderlab.ServiceName, to)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	return builderlab.RecreateLabState(username, envCM, quota, pod), nil
}
