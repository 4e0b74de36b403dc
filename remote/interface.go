package remote

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task represents a single task record. Tasks are owned by the remote
// service; the local cache holds a read-through copy.
type Task struct {
	ID          string     `json:"id"`
	RemoteID    string     `json:"remote_id,omitempty"` // service-assigned secondary identifier
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CategoryID  string     `json:"category_id"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified"`
}

// TaskStatus represents the completion state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN-PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Category groups tasks under a named heading
type Category struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Modified time.Time `json:"modified"`
}

// Service defines the remote task API contract. Every call is a network
// round trip and returns an error on any failure; retry and offline
// handling are the caller's responsibility.
type Service interface {
	// Read operations
	ListTasks(ctx context.Context) ([]Task, error)
	ListCategories(ctx context.Context) ([]Category, error)

	// Task write operations
	CreateTask(ctx context.Context, task *Task) (*Task, error)
	UpdateTask(ctx context.Context, id string, task *Task) (*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Category write operations
	CreateCategory(ctx context.Context, category *Category) (*Category, error)
	UpdateCategory(ctx context.Context, id string, category *Category) (*Category, error)
	DeleteCategory(ctx context.Context, id string) error

	// Connection management
	Close() error
}

// FindCategoryByName searches for a category by name (case-insensitive).
// Returns nil if no match is found.
func FindCategoryByName(categories []Category, name string) *Category {
	for _, c := range categories {
		if strings.EqualFold(c.Name, name) {
			return &c
		}
	}
	return nil
}

// GenerateID generates a unique identifier using UUID v4.
// Used for locally-created tasks and offline change records.
func GenerateID() string {
	return uuid.New().String()
}
