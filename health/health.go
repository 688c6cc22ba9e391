// Package health tracks the last known health state of every subscription
// running in the process, and exposes it to external health probes.
package health

import (
	"sort"
	"sync"
	"time"
)

// Report is the last known health state of a subscription.
type Report struct {
	Healthy   bool
	LastErr   error
	UpdatedAt time.Time
}

// Reporter is used by subscriptions to signal their health state.
//
// Each subscription id is only ever mutated by the subscription owning it.
type Reporter interface {
	ReportHealthy(subscriptionID string)
	ReportUnhealthy(subscriptionID string, err error)
}

var (
	_ Reporter = Nop{}
	_ Reporter = &Registry{}
)

// Nop is a Reporter that discards every report.
type Nop struct{}

// ReportHealthy implements Reporter.
func (Nop) ReportHealthy(string) {}

// ReportUnhealthy implements Reporter.
func (Nop) ReportUnhealthy(string, error) {}

// Registry aggregates the Reports of all the subscriptions in the process.
type Registry struct {
	now func() time.Time

	mx      sync.RWMutex
	reports map[string]Report
}

// NewRegistry returns a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		now:     time.Now,
		reports: make(map[string]Report),
	}
}

// ReportHealthy marks the subscription as healthy, clearing its last error.
func (r *Registry) ReportHealthy(subscriptionID string) {
	r.set(subscriptionID, Report{Healthy: true})
}

// ReportUnhealthy marks the subscription as unhealthy with the causing error.
func (r *Registry) ReportUnhealthy(subscriptionID string, err error) {
	r.set(subscriptionID, Report{Healthy: false, LastErr: err})
}

func (r *Registry) set(subscriptionID string, report Report) {
	report.UpdatedAt = r.now()

	r.mx.Lock()
	defer r.mx.Unlock()

	r.reports[subscriptionID] = report
}

// Remove forgets the subscription, e.g. after it has been stopped on purpose.
func (r *Registry) Remove(subscriptionID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	delete(r.reports, subscriptionID)
}

// Get returns the Report of the subscription, if any.
func (r *Registry) Get(subscriptionID string) (Report, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	report, ok := r.reports[subscriptionID]

	return report, ok
}

// Status is a snapshot of the process-wide health.
type Status struct {
	Healthy bool
	Reports map[string]Report
}

// Unhealthy returns the sorted ids of the unhealthy subscriptions.
func (s Status) Unhealthy() []string {
	var ids []string

	for id, report := range s.Reports {
		if !report.Healthy {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// Check returns a snapshot of all the Reports. The process is healthy
// only when every known subscription is.
func (r *Registry) Check() Status {
	r.mx.RLock()
	defer r.mx.RUnlock()

	status := Status{
		Healthy: true,
		Reports: make(map[string]Report, len(r.reports)),
	}

	for id, report := range r.reports {
		status.Reports[id] = report
		status.Healthy = status.Healthy && report.Healthy
	}

	return status
}
