package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

type DeliveryStatus string

const (
	StatusLanded   DeliveryStatus = "landed"
	StatusRejected DeliveryStatus = "rejected"
	StatusFailed   DeliveryStatus = "failed"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Delivery is one landing attempt for a change event.
type Delivery struct {
	ID            string         `json:"id"`
	Identifier    string         `json:"identifier"`
	FileName      string         `json:"file_name,omitempty"`
	OperationType string         `json:"operation_type,omitempty"`
	Backend       string         `json:"backend"`
	Status        DeliveryStatus `json:"status"`
	Error         string         `json:"error,omitempty"`
	Bytes         int            `json:"bytes"`
	SourceEventID string         `json:"source_event_id,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

type Repository interface {
	RecordDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, limit int) ([]Delivery, error)
}

type MemoryRepository struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{deliveries: make(map[string]Delivery)}
}

func (m *MemoryRepository) RecordDelivery(_ context.Context, d Delivery) error {
	if err := validateDelivery(d); err != nil {
		return err
	}
	d.ReceivedAt = d.ReceivedAt.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; ok {
		return ErrConflict
	}
	m.deliveries[d.ID] = d
	return nil
}

func (m *MemoryRepository) GetDelivery(_ context.Context, id string) (Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[strings.TrimSpace(id)]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

// ListDeliveries returns the newest deliveries first.
func (m *MemoryRepository) ListDeliveries(_ context.Context, limit int) ([]Delivery, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	out := make([]Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func validateDelivery(d Delivery) error {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Identifier) == "" {
		return ErrInvalidInput
	}
	switch d.Status {
	case StatusLanded, StatusRejected, StatusFailed:
	default:
		return ErrInvalidInput
	}
	if d.ReceivedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
