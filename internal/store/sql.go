package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SQLRepository struct {
	db      *sql.DB
	dialect string
}

func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("nil db")
	}
	d := strings.ToLower(strings.TrimSpace(dialect))
	if d == "" {
		return nil, fmt.Errorf("empty dialect")
	}
	if d != "postgres" && d != "sqlite" {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	return &SQLRepository{db: db, dialect: d}, nil
}

const deliveryColumns = "id, identifier, file_name, operation_type, backend, status, error, bytes, source_event_id, received_at"

func (s *SQLRepository) RecordDelivery(ctx context.Context, d Delivery) error {
	if err := validateDelivery(d); err != nil {
		return err
	}
	if _, err := s.GetDelivery(ctx, d.ID); err == nil {
		return ErrConflict
	} else if err != ErrNotFound {
		return err
	}

	placeholders := make([]string, 10)
	for i := range placeholders {
		placeholders[i] = s.ph(i + 1)
	}
	query := "INSERT INTO deliveries (" + deliveryColumns + ") VALUES (" + strings.Join(placeholders, ",") + ")"
	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Identifier,
		nullable(d.FileName),
		nullable(d.OperationType),
		d.Backend,
		string(d.Status),
		nullable(d.Error),
		d.Bytes,
		nullable(d.SourceEventID),
		s.tsValue(d.ReceivedAt),
	)
	return err
}

func (s *SQLRepository) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM deliveries WHERE id = " + s.ph(1)
	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)))
	if err == sql.ErrNoRows {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (s *SQLRepository) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM deliveries ORDER BY received_at DESC, id DESC LIMIT " + s.ph(1)
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLRepository) ph(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// sqliteTimeLayout keeps a fixed-width fraction so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLRepository) tsValue(t time.Time) interface{} {
	if s.dialect == "sqlite" {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func nullable(in string) interface{} {
	if strings.TrimSpace(in) == "" {
		return nil
	}
	return in
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var (
		d             Delivery
		status        string
		fileName      sql.NullString
		operationType sql.NullString
		errText       sql.NullString
		sourceEventID sql.NullString
		receivedRaw   interface{}
	)
	err := row.Scan(
		&d.ID,
		&d.Identifier,
		&fileName,
		&operationType,
		&d.Backend,
		&status,
		&errText,
		&d.Bytes,
		&sourceEventID,
		&receivedRaw,
	)
	if err != nil {
		return Delivery{}, err
	}
	d.Status = DeliveryStatus(status)
	d.FileName = fileName.String
	d.OperationType = operationType.String
	d.Error = errText.String
	d.SourceEventID = sourceEventID.String
	d.ReceivedAt, err = parseTimeRaw(receivedRaw)
	if err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func parseTimeRaw(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

func parseTimeString(in string) (time.Time, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return time.Time{}, nil
	}
	formats := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999-07:00", "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"}
	for _, f := range formats {
		if t, err := time.Parse(f, in); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time format: %s", in)
}
