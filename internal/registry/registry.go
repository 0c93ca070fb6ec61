// Package registry reads and updates the customer registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

var ErrCustomerNotFound = errors.New("customer not found")

// BaseColumns exist in every registry schema.
var BaseColumns = []string{"id", "org_id", "name", "first_name", "last_name", "phone", "national_id"}

// GuaranteedColumns are always writable.
var GuaranteedColumns = []string{"name", "first_name", "last_name", "national_id"}

// OptionalColumns may be missing from older schemas.
var OptionalColumns = []string{
	"name_ar", "first_name_ar", "last_name_ar",
	"date_of_birth", "id_expiry_date",
	"nationality", "nationality_ar",
	"occupation", "occupation_ar",
	"passport_number",
}

// Capabilities is the set of writable customer columns.
type Capabilities map[string]bool

// Columns lists the set in order.
func (c Capabilities) Columns() []string {
	out := make([]string, 0, len(c))
	for col, ok := range c {
		if ok {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

// Filter keeps only the fields whose column is in the set.
func (c Capabilities) Filter(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if c[k] {
			out[k] = v
		}
	}
	return out
}

// Guaranteed returns the capability set every schema supports.
func Guaranteed() Capabilities {
	caps := make(Capabilities, len(GuaranteedColumns))
	for _, col := range GuaranteedColumns {
		caps[col] = true
	}
	return caps
}

type Registry struct {
	db     *gorm.DB
	logger logger.Logger

	capsOnce sync.Once
	caps     Capabilities
}

func New(db *gorm.DB, log logger.Logger) *Registry {
	return &Registry{db: db, logger: log.Named("registry")}
}

// Open connects using the database configuration.
func Open(cfg *config.DatabaseConfig, log logger.Logger) (*Registry, error) {
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.LogQueries {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true})
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return New(db, log), nil
}

// Migrate creates the full schema. Production registries are managed
// elsewhere; this is for local development and tests.
func (r *Registry) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Customer{}, &models.CustomerDocument{}); err != nil {
		return fmt.Errorf("failed to migrate registry: %w", err)
	}
	return nil
}

// Capabilities probes which customer columns exist. The probe runs once.
func (r *Registry) Capabilities(ctx context.Context) Capabilities {
	r.capsOnce.Do(func() {
		migrator := r.db.WithContext(ctx).Migrator()
		caps := Guaranteed()
		for _, col := range OptionalColumns {
			if migrator.HasColumn(&models.Customer{}, col) {
				caps[col] = true
			}
		}
		r.caps = caps
		r.logger.Info("registry capabilities probed", logger.Strings("columns", caps.Columns()))
	})
	return r.caps
}

// ListCustomers loads every customer of an organization, reading only
// columns the schema has.
func (r *Registry) ListCustomers(ctx context.Context, orgID string) ([]models.Customer, error) {
	columns := append([]string{}, BaseColumns...)
	caps := r.Capabilities(ctx)
	for _, col := range OptionalColumns {
		if caps[col] {
			columns = append(columns, col)
		}
	}

	var customers []models.Customer
	err := r.db.WithContext(ctx).
		Select(columns).
		Where("org_id = ?", orgID).
		Order("id").
		Find(&customers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	r.logger.Info("customers loaded", logger.String("org_id", orgID), logger.Int("count", len(customers)))
	return customers, nil
}

// UpdateCustomer writes a partial field set by id.
func (r *Registry) UpdateCustomer(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update customer %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}
	return nil
}

// InsertDocument records an uploaded artifact.
func (r *Registry) InsertDocument(ctx context.Context, doc *models.CustomerDocument) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Documents lists the documents recorded for a customer.
func (r *Registry) Documents(ctx context.Context, customerID string) ([]models.CustomerDocument, error) {
	var docs []models.CustomerDocument
	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}
