package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"p2pmarket/core/events"
	"p2pmarket/core/types"
	"p2pmarket/observability/logging"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Record is one committed market event persisted for audit and replay.
type Record struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex;not null" json:"seq"`
	Type       string    `gorm:"size:64;index" json:"type"`
	OrderID    string    `gorm:"size:66;index" json:"orderId,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (Record) TableName() string { return "market_events" }

// Event decodes the stored attributes.
func (r Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode attributes for %s: %w", r.ID, err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Filter narrows List results.
type Filter struct {
	Type     string
	OrderID  string
	AfterSeq uint64
	Limit    int
}

// Journal appends every emitted event to a SQL table. It implements
// events.Emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	nextSeq uint64
	failed  uint64
}

// Open connects to the named driver and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	j, err := New(db, log)
	if err != nil {
		return nil, err
	}
	j.logger.Info("journal opened", "driver", driver, "dsn", logging.MaskDSN(dsn), "next_seq", j.nextSeq)
	return j, nil
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last Record
	err := db.Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	return &Journal{db: db, logger: log, nowFn: time.Now, nextSeq: last.Seq + 1}, nil
}

// SetNowFunc overrides the clock used for CreatedAt.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now != nil {
		j.nowFn = now
	}
}

// Emit implements events.Emitter. Persistence failures are logged and
// counted; they never reach the engine.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if _, err := j.Append(context.Background(), payload); err != nil {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		j.logger.Error("journal: append failed", "type", payload.Type, "error", err)
	}
}

// Append stores payload and returns the persisted record.
func (j *Journal) Append(ctx context.Context, payload *types.Event) (*Record, error) {
	if payload == nil {
		return nil, errors.New("journal: event required")
	}
	attrs := payload.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	record := &Record{
		ID:         uuid.NewString(),
		Seq:        j.nextSeq,
		Type:       payload.Type,
		OrderID:    attrs["orderId"],
		Attributes: string(encoded),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	j.nextSeq++
	return record, nil
}

// List returns records matching filter in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := j.db.WithContext(ctx).Model(&Record{}).Where("seq > ?", filter.AfterSeq)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.OrderID != "" {
		query = query.Where("order_id = ?", strings.ToLower(strings.TrimPrefix(filter.OrderID, "0x")))
	}
	var records []Record
	if err := query.Order("seq ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return records, nil
}

// Failed reports how many events could not be persisted.
func (j *Journal) Failed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
