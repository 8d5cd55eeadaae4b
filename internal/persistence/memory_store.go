package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It backs tests and
// single-process deployments that do not need durability.
type InMemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*api.ProcessRun
	tasks     map[string]*api.ProcessTask
	specs     map[string]map[string]api.ProcessSpec // name -> version -> spec
	schedules map[string]api.Schedule
	entities  map[string]api.EntityMeta
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:      make(map[string]*api.ProcessRun),
		tasks:     make(map[string]*api.ProcessTask),
		specs:     make(map[string]map[string]api.ProcessSpec),
		schedules: make(map[string]api.Schedule),
		entities:  make(map[string]api.EntityMeta),
	}
}

var _ Store = (*InMemoryStore)(nil)

// cloneDoc copies the top level of a document so callers on either side of
// the store boundary never share a map.
func cloneDoc(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneRun(run *api.ProcessRun) *api.ProcessRun {
	c := *run
	c.Inputs = cloneDoc(run.Inputs)
	c.Context = cloneDoc(run.Context)
	c.Outputs = cloneDoc(run.Outputs)
	return &c
}

func cloneTask(task *api.ProcessTask) *api.ProcessTask {
	c := *task
	c.OutcomeData = cloneDoc(task.OutcomeData)
	return &c
}

func (s *InMemoryStore) SaveRun(ctx context.Context, run *api.ProcessRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return ErrDuplicateRun
	}
	if run.IdempotencyKey != "" {
		for _, existing := range s.runs {
			if existing.ProcessName == run.ProcessName && existing.IdempotencyKey == run.IdempotencyKey {
				return ErrDuplicateRun
			}
		}
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.ProcessRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*api.ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *InMemoryStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.ProcessName == processName && run.IdempotencyKey == key {
			return cloneRun(run), nil
		}
	}
	return nil, ErrRunNotFound
}

func (s *InMemoryStore) matchRuns(opts api.RunListOptions) []*api.ProcessRun {
	var result []*api.ProcessRun
	for _, run := range s.runs {
		if opts.ProcessName != "" && run.ProcessName != opts.ProcessName {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *InMemoryStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchRuns(opts)
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	result := make([]*api.ProcessRun, 0, len(matched))
	for _, run := range matched {
		result = append(result, cloneRun(run))
	}
	return result, nil
}

func (s *InMemoryStore) CountRuns(ctx context.Context, opts api.RunListOptions) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.matchRuns(api.RunListOptions{ProcessName: opts.ProcessName, Status: opts.Status}))), nil
}

func (s *InMemoryStore) RunVersionCounts(ctx context.Context, processName string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, run := range s.runs {
		if run.ProcessName == processName {
			counts[run.ProcessVersion]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) TransitionRun(ctx context.Context, runID string, from []api.RunStatus, to api.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	for _, status := range from {
		if run.Status == status {
			run.Status = to
			run.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) StaleRuns(ctx context.Context, statuses []api.RunStatus, updatedBefore time.Time) ([]*api.ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ProcessRun
	for _, run := range s.runs {
		if !run.UpdatedAt.Before(updatedBefore) {
			continue
		}
		for _, status := range statuses {
			if run.Status == status {
				result = append(result, cloneRun(run))
				break
			}
		}
	}
	return result, nil
}

func (s *InMemoryStore) SaveTask(ctx context.Context, task *api.ProcessTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (s *InMemoryStore) UpdateTask(ctx context.Context, task *api.ProcessTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.TaskID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*api.ProcessTask
	for _, task := range s.tasks {
		if opts.RunID != "" && task.RunID != opts.RunID {
			continue
		}
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		if opts.AssigneeRole != "" && task.AssigneeRole != opts.AssigneeRole {
			continue
		}
		if opts.AssigneeID != "" && task.AssigneeID != opts.AssigneeID {
			continue
		}
		matched = append(matched, task)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	result := make([]*api.ProcessTask, 0, len(matched))
	for _, task := range matched {
		result = append(result, cloneTask(task))
	}
	return result, nil
}

func (s *InMemoryStore) DueTasks(ctx context.Context, before time.Time) ([]*api.ProcessTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ProcessTask
	for _, task := range s.tasks {
		if task.Status.Terminal() {
			continue
		}
		if task.DueAt.Before(before) {
			result = append(result, cloneTask(task))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(result[j].DueAt)
	})
	return result, nil
}

func (s *InMemoryStore) SaveSpec(ctx context.Context, spec api.ProcessSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.specs[spec.Name]
	if !ok {
		versions = make(map[string]api.ProcessSpec)
		s.specs[spec.Name] = versions
	}
	versions[spec.Version] = spec
	return nil
}

func (s *InMemoryStore) GetSpec(ctx context.Context, name, version string) (api.ProcessSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[name][version]
	if !ok {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	return spec, nil
}

func (s *InMemoryStore) LatestSpec(ctx context.Context, name string) (api.ProcessSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specs, ok := s.specs[name]
	if !ok || len(specs) == 0 {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	versions := make([]string, 0, len(specs))
	for v := range specs {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return specs[versions[len(versions)-1]], nil
}

func (s *InMemoryStore) ListSpecVersions(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]string, 0, len(s.specs[name]))
	for v := range s.specs[name] {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *InMemoryStore) SaveSchedule(ctx context.Context, sched api.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[sched.Name] = sched
	return nil
}

func (s *InMemoryStore) GetSchedule(ctx context.Context, name string) (api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return api.Schedule{}, ErrScheduleNotFound
	}
	return sched, nil
}

func (s *InMemoryStore) ListSchedules(ctx context.Context) ([]api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]api.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, sched)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *InMemoryStore) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[name]; !ok {
		return ErrScheduleNotFound
	}
	delete(s.schedules, name)
	return nil
}

func (s *InMemoryStore) MarkScheduleRun(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return ErrScheduleNotFound
	}
	sched.LastRunAt = at
	s.schedules[name] = sched
	return nil
}

func (s *InMemoryStore) SaveEntityMeta(ctx context.Context, meta api.EntityMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[meta.Entity] = meta
	return nil
}

func (s *InMemoryStore) GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.entities[entity]
	if !ok {
		return api.EntityMeta{}, ErrEntityMetaNotFound
	}
	return meta, nil
}

func (s *InMemoryStore) ListEntityMeta(ctx context.Context) ([]api.EntityMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]api.EntityMeta, 0, len(s.entities))
	for _, meta := range s.entities {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Entity < result[j].Entity })
	return result, nil
}
