package domain

import (
	"math"
	"sort"
	"time"
)

const (
	upcomingWindow = 7 * 24 * time.Hour
	upcomingLimit  = 5
)

// CategoryStat is the per-category slice of one user's tasks.
type CategoryStat struct {
	Category  string `json:"category"`
	Count     int    `json:"count"`
	Completed int    `json:"completed"`
	Pending   int    `json:"pending"`
}

// Stats is the summary view rendered by the dashboard charts.
type Stats struct {
	TotalTasks           int            `json:"totalTasks"`
	CompletedTasks       int            `json:"completedTasks"`
	PendingTasks         int            `json:"pendingTasks"`
	OverdueTasks         int            `json:"overdueTasks"`
	Upcoming             []Task         `json:"upcoming"`
	CategoryDistribution []CategoryStat `json:"categoryDistribution"`
	CompletionRate       float64        `json:"completionRate"`
}

// ComputeStats derives the summary view over one user's tasks at the given
// instant. A task is overdue when it is incomplete and its deadline is
// strictly before now; upcoming holds up to five incomplete tasks due within
// the next seven days, soonest first. The completion rate is a percentage
// rounded to one decimal place, zero when there are no tasks.
func ComputeStats(tasks []Task, now time.Time) Stats {
	s := Stats{
		Upcoming:             []Task{},
		CategoryDistribution: []CategoryStat{},
	}
	horizon := now.Add(upcomingWindow)
	byCategory := make(map[string]*CategoryStat)

	for _, t := range tasks {
		s.TotalTasks++
		cs, ok := byCategory[t.Category]
		if !ok {
			cs = &CategoryStat{Category: t.Category}
			byCategory[t.Category] = cs
		}
		cs.Count++
		if t.Completed {
			s.CompletedTasks++
			cs.Completed++
			continue
		}
		cs.Pending++
		if t.Deadline == nil {
			continue
		}
		if t.Deadline.Before(now) {
			s.OverdueTasks++
		} else if !t.Deadline.After(horizon) {
			s.Upcoming = append(s.Upcoming, t)
		}
	}
	s.PendingTasks = s.TotalTasks - s.CompletedTasks

	sort.Slice(s.Upcoming, func(i, j int) bool {
		return s.Upcoming[i].Deadline.Before(*s.Upcoming[j].Deadline)
	})
	if len(s.Upcoming) > upcomingLimit {
		s.Upcoming = s.Upcoming[:upcomingLimit]
	}

	for _, cs := range byCategory {
		s.CategoryDistribution = append(s.CategoryDistribution, *cs)
	}
	sort.Slice(s.CategoryDistribution, func(i, j int) bool {
		return s.CategoryDistribution[i].Category < s.CategoryDistribution[j].Category
	})

	if s.TotalTasks > 0 {
		s.CompletionRate = math.Round(float64(s.CompletedTasks)/float64(s.TotalTasks)*1000) / 10
	}
	return s
}
