// Package gormstore implements state.Store via GORM with two drivers:
// SQLite (glebarez, pure Go, WAL mode) and PostgreSQL. One repository
// serves both — GORM's dialects handle the SQL differences.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sandbridge/internal/state"
)

// Config selects and configures the database driver.
type Config struct {
	Driver string // "sqlite" (default) or "postgres".

	// SQLite settings.
	Path        string // Database file path.
	JournalMode string // "wal" (default), "delete", "truncate", etc.

	// PostgreSQL settings.
	DSN string
}

// Store implements state.Store backed by GORM.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// SandboxModel maps to the "sandboxes" table.
type SandboxModel struct {
	TenantID       string `gorm:"primaryKey"`
	SandboxID      string `gorm:"not null;default:''"`
	Bound          bool   `gorm:"not null;default:false"`
	PreviewURL     string `gorm:"not null;default:''"`
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }

// MessageModel maps to the "sandbox_messages" table.
type MessageModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  string    `gorm:"not null;index:idx_msg_tenant_seq"`
	SeqNum    int       `gorm:"not null;index:idx_msg_tenant_seq"`
	Sender    string    `gorm:"not null"`
	Content   string    `gorm:"type:text"`
	Timestamp int64     `gorm:"not null"` // epoch milliseconds
	CreatedAt time.Time
}

func (MessageModel) TableName() string { return "sandbox_messages" }

// Open creates a GORM-backed Store and runs migrations.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	driver := cfg.Driver
	if driver == "" {
		driver = state.DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case state.DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		journalMode := cfg.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case state.DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if err := db.AutoMigrate(&SandboxModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("state store opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

var _ state.Store = (*Store)(nil)

// Get returns the tenant's record, creating a default unbound one if absent.
func (s *Store) Get(ctx context.Context, tenantID string) (*state.Sandbox, error) {
	var model SandboxModel
	var messages []MessageModel

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Where("tenant_id = ?", tenantID).First(&model).Error; err != nil {
			if err != gorm.ErrRecordNotFound {
				return fmt.Errorf("looking up sandbox record: %w", err)
			}
			model = SandboxModel{
				TenantID:       tenantID,
				CreatedAt:      now,
				LastAccessedAt: now,
			}
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("creating sandbox record: %w", err)
			}
		} else {
			model.LastAccessedAt = now
			if err := tx.Model(&SandboxModel{}).Where("tenant_id = ?", tenantID).
				Update("last_accessed_at", now).Error; err != nil {
				return fmt.Errorf("touching sandbox record: %w", err)
			}
		}

		return tx.Where("tenant_id = ?", tenantID).
			Order("seq_num ASC").
			Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}

	record := &state.Sandbox{
		TenantID:       model.TenantID,
		SandboxID:      model.SandboxID,
		Bound:          model.Bound,
		PreviewURL:     model.PreviewURL,
		CreatedAt:      model.CreatedAt,
		LastAccessedAt: model.LastAccessedAt,
		Conversation:   make([]state.Message, 0, len(messages)),
	}
	for _, m := range messages {
		record.Conversation = append(record.Conversation, state.Message{
			ID:        m.ID.String(),
			Sender:    state.Sender(m.Sender),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return record, nil
}

// Bind sets the sandbox identity, preserving preview URL and conversation.
func (s *Store) Bind(ctx context.Context, tenantID, sandboxID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := s.ensureRecord(tx, tenantID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]any{
			"sandbox_id":       sandboxID,
			"bound":            true,
			"last_accessed_at": now,
		}
		if model.CreatedAt.IsZero() {
			updates["created_at"] = now
		}
		return tx.Model(&SandboxModel{}).Where("tenant_id = ?", tenantID).
			Updates(updates).Error
	})
}

// Unbind resets the record to its default unbound shape.
func (s *Store) Unbind(ctx context.Context, tenantID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureRecord(tx, tenantID); err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("clearing conversation: %w", err)
		}
		return tx.Model(&SandboxModel{}).Where("tenant_id = ?", tenantID).
			Updates(map[string]any{
				"sandbox_id":       "",
				"bound":            false,
				"preview_url":      "",
				"last_accessed_at": time.Now().UTC(),
			}).Error
	})
}

// SetPreviewURL updates the preview address.
func (s *Store) SetPreviewURL(ctx context.Context, tenantID, url string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureRecord(tx, tenantID); err != nil {
			return err
		}
		return tx.Model(&SandboxModel{}).Where("tenant_id = ?", tenantID).
			Updates(map[string]any{
				"preview_url":      url,
				"last_accessed_at": time.Now().UTC(),
			}).Error
	})
}

// AppendMessage appends one message with the next sequence number.
func (s *Store) AppendMessage(ctx context.Context, tenantID string, msg state.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureRecord(tx, tenantID); err != nil {
			return err
		}

		var maxSeq int
		if err := tx.Model(&MessageModel{}).
			Where("tenant_id = ?", tenantID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("reading message sequence: %w", err)
		}

		id, err := uuid.Parse(msg.ID)
		if err != nil {
			id = uuid.New()
		}
		model := MessageModel{
			ID:        id,
			TenantID:  tenantID,
			SeqNum:    maxSeq + 1,
			Sender:    string(msg.Sender),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		return tx.Model(&SandboxModel{}).Where("tenant_id = ?", tenantID).
			Update("last_accessed_at", time.Now().UTC()).Error
	})
}

// ClearConversation truncates the conversation, leaving identity untouched.
func (s *Store) ClearConversation(ctx context.Context, tenantID string) error {
	return s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&MessageModel{}).Error
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string { return s.driver }

// ensureRecord loads the tenant's row, creating a default one if absent.
// Mutating operations may legitimately run before the first Get.
func (s *Store) ensureRecord(tx *gorm.DB, tenantID string) (*SandboxModel, error) {
	var model SandboxModel
	err := tx.Where("tenant_id = ?", tenantID).First(&model).Error
	if err == nil {
		return &model, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("looking up sandbox record: %w", err)
	}
	now := time.Now().UTC()
	model = SandboxModel{TenantID: tenantID, CreatedAt: now, LastAccessedAt: now}
	if err := tx.Create(&model).Error; err != nil {
		return nil, fmt.Errorf("creating sandbox record: %w", err)
	}
	return &model, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
