package store

import (
	"sort"
	"time"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func sortTasksByCreatedAt(tasks []*TaskState) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}
