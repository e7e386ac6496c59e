package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Predicate names recorded in the status_data trail.
const (
	PredConcurrency  = "concurrency"
	PredReservedTime = "reserved_batch_session"
	PredDependencies = "dependencies"
	PredKeypairQuota = "keypair_resource_limit"
	PredProjectQuota = "group_resource_limit"
	PredDomainQuota  = "domain_resource_limit"
)

// PredicateResult is one predicate's verdict for the trail.
type PredicateResult struct {
	Name   string
	Passed bool
	Msg    string
}

// Predicates evaluates the admission checks a pending session must pass
// before agent selection. All predicates run so the trail shows every
// failure, not just the first.
type Predicates struct {
	store   *store.Store
	tracker *ConcurrencyTracker
	now     func() time.Time
}

// NewPredicates wires the predicate checker.
func NewPredicates(st *store.Store, tracker *ConcurrencyTracker) *Predicates {
	return &Predicates{store: st, tracker: tracker, now: time.Now}
}

// Check runs every predicate. ok is true only when all passed. rollback
// undoes the concurrency reservation this attempt made and must be called
// when ok is false or the session later fails to schedule.
func (p *Predicates) Check(ctx context.Context, sess *models.Session, policy *models.ResourcePolicy) (results []PredicateResult, ok bool, rollback func(context.Context), err error) {
	rollback = func(context.Context) {}

	// Concurrency first: it is the only predicate with a side effect.
	limit := policy.MaxConcurrentSessions
	private := sess.SessionType.IsPrivate()
	if private {
		limit = policy.MaxConcurrentSFTPSessions
	}
	passed, _, cerr := p.tracker.CheckAndIncrement(ctx, sess.AccessKey, limit, private)
	if cerr != nil {
		return nil, false, rollback, cerr
	}
	if passed {
		results = append(results, PredicateResult{Name: PredConcurrency, Passed: true})
		rollback = func(ctx context.Context) {
			_ = p.tracker.Decrement(ctx, sess.AccessKey, private)
		}
	} else {
		results = append(results, PredicateResult{
			Name: PredConcurrency,
			Msg:  fmt.Sprintf("You cannot run more than %d concurrent sessions", limit),
		})
	}

	results = append(results, p.checkReservedTime(sess))

	dep, derr := p.checkDependencies(ctx, sess)
	if derr != nil {
		return nil, false, rollback, derr
	}
	results = append(results, dep)

	quotas, qerr := p.checkQuotas(ctx, sess, policy)
	if qerr != nil {
		return nil, false, rollback, qerr
	}
	results = append(results, quotas...)

	ok = true
	for _, r := range results {
		if !r.Passed {
			ok = false
			break
		}
	}
	return results, ok, rollback, nil
}

func (p *Predicates) checkReservedTime(sess *models.Session) PredicateResult {
	if sess.SessionType == types.SessionBatch && sess.StartsAt != nil &&
		sess.StartsAt.After(p.now()) {
		return PredicateResult{Name: PredReservedTime, Msg: "Before start time"}
	}
	return PredicateResult{Name: PredReservedTime, Passed: true}
}

func (p *Predicates) checkDependencies(ctx context.Context, sess *models.Session) (PredicateResult, error) {
	deps, err := p.store.ListDependencySessions(ctx, sess.ID)
	if err != nil {
		return PredicateResult{}, err
	}
	var waiting []string
	for _, dep := range deps {
		if dep.Result != types.ResultSuccess {
			waiting = append(waiting, fmt.Sprintf("%s (%s)", dep.Name, dep.ID))
		}
	}
	if len(waiting) > 0 {
		return PredicateResult{
			Name: PredDependencies,
			Msg: fmt.Sprintf("Waiting dependency sessions to finish as success. (sessions: %s)",
				strings.Join(waiting, ", ")),
		}, nil
	}
	return PredicateResult{Name: PredDependencies, Passed: true}, nil
}

func (p *Predicates) checkQuotas(ctx context.Context, sess *models.Session, policy *models.ResourcePolicy) ([]PredicateResult, error) {
	var project *models.Project
	var domain *models.Domain
	var err error
	if project, err = p.store.GetProject(ctx, sess.Project); err != nil {
		return nil, fmt.Errorf("load project %s: %w", sess.Project, err)
	}
	if domain, err = p.store.GetDomain(ctx, sess.Domain); err != nil {
		return nil, fmt.Errorf("load domain %s: %w", sess.Domain, err)
	}

	checks := []struct {
		name  string
		limit types.ResourceSlot
		scope store.OccupancyScope
		msg   string
	}{
		{PredKeypairQuota, policy.TotalResourceSlots,
			store.OccupancyScope{AccessKey: sess.AccessKey},
			"Your keypair resource quota is exceeded."},
		{PredProjectQuota, project.TotalResourceSlots,
			store.OccupancyScope{Project: sess.Project},
			"Your group resource quota is exceeded."},
		{PredDomainQuota, domain.TotalResourceSlots,
			store.OccupancyScope{Domain: sess.Domain},
			"Your domain resource quota is exceeded."},
	}

	var results []PredicateResult
	for _, c := range checks {
		if len(c.limit) == 0 {
			results = append(results, PredicateResult{Name: c.name, Passed: true})
			continue
		}
		occupied, err := p.store.SumOccupiedSlots(ctx, c.scope)
		if err != nil {
			return nil, err
		}
		if sess.RequestedSlots.LessOrEqual(c.limit.Sub(occupied)) {
			results = append(results, PredicateResult{Name: c.name, Passed: true})
		} else {
			results = append(results, PredicateResult{
				Name: c.name,
				Msg:  fmt.Sprintf("%s (%s)", c.msg, c.limit.String()),
			})
		}
	}
	return results, nil
}

// ApplySchedulerTrail folds the attempt's results into
// status_data.scheduler: retries, last_try, failed/passed predicate lists.
// Returns the consecutive-failure count after this attempt.
func ApplySchedulerTrail(statusData map[string]any, results []PredicateResult, ok bool, now time.Time) (map[string]any, int) {
	trail, _ := statusData["scheduler"].(map[string]any)
	if trail == nil {
		trail = map[string]any{}
	}
	retries := 0
	if prev, okRetries := trail["retries"].(int); okRetries {
		retries = prev
	} else if prevF, okF := trail["retries"].(float64); okF {
		retries = int(prevF)
	}
	if ok {
		retries = 0
	} else {
		retries++
	}

	var failed, passed []any
	for _, r := range results {
		if r.Passed {
			passed = append(passed, map[string]any{"name": r.Name})
		} else {
			failed = append(failed, map[string]any{"name": r.Name, "msg": r.Msg})
		}
	}
	trail["retries"] = retries
	trail["last_try"] = now.UTC().Format(time.RFC3339Nano)
	trail["failed_predicates"] = failed
	trail["passed_predicates"] = passed

	if statusData == nil {
		statusData = map[string]any{}
	}
	statusData["scheduler"] = trail
	return statusData, retries
}
