package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lakesink/internal/changeevent"
	"lakesink/internal/lake"
	"lakesink/internal/notify"
	"lakesink/internal/store"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Submission is one change event as received by a transport.
type Submission struct {
	Body          []byte
	SourceEventID string
}

type Options struct {
	Prefix   string
	Notifier notify.Notifier
	Observer lake.Observer
	Logger   logr.Logger
	Now      func() time.Time
	NewID    func() string
}

type Service struct {
	writer   lake.Writer
	ledger   store.Repository
	notifier notify.Notifier
	observer lake.Observer
	prefix   string
	logger   logr.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(writer lake.Writer, ledger store.Repository, opts Options) (*Service, error) {
	if writer == nil {
		return nil, fmt.Errorf("nil writer")
	}
	if ledger == nil {
		return nil, fmt.Errorf("nil ledger")
	}
	if strings.TrimSpace(opts.Prefix) == "" {
		return nil, fmt.Errorf("empty file name prefix")
	}
	s := &Service{
		writer:   writer,
		ledger:   ledger,
		notifier: opts.Notifier,
		observer: opts.Observer,
		prefix:   opts.Prefix,
		logger:   opts.Logger.WithName("landing"),
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

func (s *Service) Backend() string { return s.writer.Backend() }

// Land normalizes a change event and writes it to the lake as {prefix}-{identifier}.txt.
// Every attempt is recorded in the ledger. A parse failure returns a *changeevent.ParseError
// and writes nothing.
func (s *Service) Land(ctx context.Context, sub Submission) (store.Delivery, error) {
	d := store.Delivery{
		ID:            s.newID(),
		Backend:       s.writer.Backend(),
		SourceEventID: sub.SourceEventID,
		ReceivedAt:    s.now().UTC(),
	}
	s.logger.Info("change event received", "delivery_id", d.ID, "bytes", len(sub.Body))
	s.logger.V(1).Info("change event body", "delivery_id", d.ID, "body", string(sub.Body))

	rec, err := changeevent.Normalize(sub.Body)
	d.Identifier = changeevent.IdentifierOrFallback(rec, err)
	if err != nil {
		d.Status = store.StatusRejected
		d.Error = err.Error()
		s.logger.Info("change event rejected", "delivery_id", d.ID, "error", err.Error())
		s.record(ctx, d)
		return d, err
	}
	d.OperationType = rec.OperationType
	s.logger.Info("change event normalized", "delivery_id", d.ID, "identifier", d.Identifier, "operation_type", d.OperationType)

	content, err := rec.Encode()
	if err != nil {
		d.Status = store.StatusFailed
		d.Error = err.Error()
		s.record(ctx, d)
		return d, fmt.Errorf("encode record: %w", err)
	}
	d.FileName = changeevent.FileName(s.prefix, d.Identifier)
	d.Bytes = len(content)

	if err := lake.Write(ctx, s.writer, d.FileName, content, s.observer); err != nil {
		d.Status = store.StatusFailed
		d.Error = err.Error()
		s.logger.Error(err, "lake write failed", "delivery_id", d.ID, "file", d.FileName, "outcome", lake.Outcome(err))
		s.record(ctx, d)
		return d, err
	}

	d.Status = store.StatusLanded
	s.logger.Info("file landed", "delivery_id", d.ID, "file", d.FileName, "backend", d.Backend, "bytes", d.Bytes)
	s.record(ctx, d)
	if err := s.notifier.Notify(ctx, d); err != nil {
		s.logger.Error(err, "landed notification failed", "delivery_id", d.ID)
	}
	return d, nil
}

// record keeps the lake outcome authoritative: a ledger failure is logged, never returned.
func (s *Service) record(ctx context.Context, d store.Delivery) {
	if err := s.ledger.RecordDelivery(ctx, d); err != nil {
		s.logger.Error(err, "record delivery failed", "delivery_id", d.ID, "status", string(d.Status))
	}
}

func (s *Service) Delivery(ctx context.Context, id string) (store.Delivery, error) {
	if strings.TrimSpace(id) == "" {
		return store.Delivery{}, store.ErrInvalidInput
	}
	return s.ledger.GetDelivery(ctx, id)
}

func (s *Service) Deliveries(ctx context.Context, limit int) ([]store.Delivery, error) {
	if limit < 0 {
		return nil, store.ErrInvalidInput
	}
	return s.ledger.ListDeliveries(ctx, limit)
}

// IsRejected reports whether err came from normalizing the change event.
func IsRejected(err error) bool {
	var parseErr *changeevent.ParseError
	return errors.As(err, &parseErr)
}
