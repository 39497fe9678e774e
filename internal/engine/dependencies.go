package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/depgraph"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

// Resolution is a dependency-annotated batch in processing order.
type Resolution struct {
	Tasks    []domain.Task      `json:"tasks"`
	Warnings []MissingReference `json:"warnings,omitempty"`
}

// ResolveDependencies turns declared dependencies into edges, rejects the
// batch if its internal edges form a cycle, and orders tasks so every task
// follows its internal dependencies. Unresolvable references are dropped
// with a warning. Nothing is written.
func (e Engine) ResolveDependencies(ctx context.Context, dealID string, tasks []domain.Task) (Resolution, error) {
	var res Resolution
	byKey := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byKey[taskKey(t)] = i
	}
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)

	g := depgraph.New()
	for _, t := range out {
		g.AddNode(t.ID)
	}
	for i := range out {
		t := &out[i]
		t.Resolved = nil
		for _, spec := range t.Dependencies {
			rel := spec.Relationship
			if rel == "" {
				rel = domain.FinishToStart
			}
			switch spec.Type {
			case domain.DependencyInternal, "internal_task":
				j, ok := byKey[spec.TaskID]
				if !ok {
					res.Warnings = append(res.Warnings, MissingReference{Task: t.Name, Type: string(domain.DependencyInternal), Reference: spec.TaskID, Reason: "not in batch"})
					continue
				}
				target := out[j]
				t.Resolved = append(t.Resolved, domain.DependencyEdge{
					Type:         domain.DependencyInternal,
					TargetID:     target.ID,
					TargetName:   target.Name,
					Relationship: rel,
					LagDays:      spec.LagDays,
				})
				g.AddEdge(t.ID, target.ID)
			case domain.DependencyExternal:
				edge, warn, err := e.resolveExternal(ctx, dealID, t.Name, spec, rel)
				if err != nil {
					return Resolution{}, err
				}
				if warn != nil {
					res.Warnings = append(res.Warnings, *warn)
					continue
				}
				t.Resolved = append(t.Resolved, edge)
			case domain.DependencyMilestone:
				edge, warn, err := e.resolveMilestone(ctx, dealID, t.Name, spec, rel)
				if err != nil {
					return Resolution{}, err
				}
				if warn != nil {
					res.Warnings = append(res.Warnings, *warn)
					continue
				}
				t.Resolved = append(t.Resolved, edge)
			default:
				res.Warnings = append(res.Warnings, MissingReference{Task: t.Name, Type: string(spec.Type), Reference: spec.TaskID, Reason: "unknown dependency type"})
			}
		}
	}
	for _, w := range res.Warnings {
		e.log().Warn("dependency dropped", "deal_id", dealID, "task", w.Task, "type", w.Type, "reference", w.Reference, "reason", w.Reason)
	}

	if cycle := g.FindCycle(); cycle != nil {
		names := make(map[string]string, len(out))
		for _, t := range out {
			names[t.ID] = t.Name
		}
		path := make([]string, len(cycle))
		for i, id := range cycle {
			path[i] = names[id]
		}
		return Resolution{}, &CircularDependencyError{Path: path}
	}

	pos := make(map[string]int, len(out))
	for i, t := range out {
		pos[t.ID] = i
	}
	for _, id := range g.Order() {
		res.Tasks = append(res.Tasks, out[pos[id]])
	}
	return res, nil
}

func taskKey(t domain.Task) string {
	if t.TemplateTaskID != "" {
		return t.TemplateTaskID
	}
	return t.ID
}

func (e Engine) resolveExternal(ctx context.Context, dealID, taskName string, spec domain.DependencySpec, rel string) (domain.DependencyEdge, *MissingReference, error) {
	if spec.Criteria == nil {
		return domain.DependencyEdge{}, &MissingReference{Task: taskName, Type: string(domain.DependencyExternal), Reason: "no criteria"}, nil
	}
	ref := describeCriteria(*spec.Criteria)
	found, err := e.Repo.FindTask(ctx, dealID, *spec.Criteria)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DependencyEdge{}, &MissingReference{Task: taskName, Type: string(domain.DependencyExternal), Reference: ref, Reason: "no matching task"}, nil
	}
	if err != nil {
		return domain.DependencyEdge{}, nil, fmt.Errorf("find external task: %w", err)
	}
	due := found.DueDate
	return domain.DependencyEdge{
		Type:          domain.DependencyExternal,
		TargetID:      found.ID,
		TargetName:    found.Name,
		Relationship:  rel,
		LagDays:       spec.LagDays,
		ReferenceDate: &due,
	}, nil, nil
}

func (e Engine) resolveMilestone(ctx context.Context, dealID, taskName string, spec domain.DependencySpec, rel string) (domain.DependencyEdge, *MissingReference, error) {
	stage, ok := "", false
	if e.Config != nil {
		stage, ok = e.Config.Scheduling.Milestones[spec.Milestone]
	}
	if !ok {
		return domain.DependencyEdge{}, &MissingReference{Task: taskName, Type: string(domain.DependencyMilestone), Reference: spec.Milestone, Reason: "unknown milestone"}, nil
	}
	at, err := e.Repo.LastStageExit(ctx, dealID, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DependencyEdge{}, &MissingReference{Task: taskName, Type: string(domain.DependencyMilestone), Reference: spec.Milestone, Reason: "milestone not reached"}, nil
	}
	if err != nil {
		return domain.DependencyEdge{}, nil, fmt.Errorf("milestone %s: %w", spec.Milestone, err)
	}
	return domain.DependencyEdge{
		Type:          domain.DependencyMilestone,
		Milestone:     spec.Milestone,
		Relationship:  rel,
		LagDays:       spec.LagDays,
		ReferenceDate: &at,
	}, nil, nil
}

func describeCriteria(c domain.TaskCriteria) string {
	switch {
	case c.Name != "":
		return "name=" + c.Name
	case c.NamePattern != "":
		return "name~" + c.NamePattern
	case c.Category != "":
		return "category=" + c.Category
	}
	return "any"
}
