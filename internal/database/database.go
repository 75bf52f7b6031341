package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"paykit/internal/config"
	"paykit/internal/models"
	"paykit/pkg/logging"
)

var (
	DB          *gorm.DB
	RedisClient *redis.Client
)

// InitDatabase opens the process-wide connections used by the sandbox
// authority and migrates its tables.
func InitDatabase(cfg *config.Config) error {
	db, err := Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	DB = db

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		RedisClient = rdb
	}

	if err := Migrate(DB, AuthorityModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func gormConfig(cfg *config.Config) *gorm.Config {
	level := logger.Warn
	if cfg != nil && strings.EqualFold(cfg.LogLevel, "debug") {
		level = logger.Info
	}
	return &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
}

// Open connects to postgres when DATABASE_URL is set and to the sqlite file
// otherwise.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	if dsn := cfg.DatabaseURL; dsn == "" {
		logging.Infof("Database URL not set, using SQLite at %s", cfg.SQLitePath)
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormConfig(cfg))
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig(cfg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// OpenMemory returns a private in-memory sqlite database named name.
func OpenMemory(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(name))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Shared-cache memory databases lock per table; one connection avoids that.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// OpenRedis parses url and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	logging.Infof("Connecting to Redis: %s", maskRedisURL(url))

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// ClientModels are the tables of the on-device store.
func ClientModels() []any {
	return []any{
		&models.Preference{},
		&models.UnsyncedPurchase{},
	}
}

// AuthorityModels are the tables of the sandbox authority.
func AuthorityModels() []any {
	return []any{
		&models.Project{},
		&models.ProfileRecord{},
		&models.Transaction{},
		&models.PaywallRecord{},
		&models.EventRecord{},
	}
}

// Migrate creates or updates the given tables.
func Migrate(db *gorm.DB, tables ...any) error {
	return db.AutoMigrate(tables...)
}

// GetDB returns database instance
func GetDB() *gorm.DB {
	return DB
}

// GetRedis returns Redis client
func GetRedis() *redis.Client {
	return RedisClient
}

// Close closes db and rdb, either of which may be nil.
func Close(db *gorm.DB, rdb *redis.Client) {
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logging.Errorf("Failed to close database: %v", err)
			}
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}
}

// CloseDatabase closes the process-wide connections.
func CloseDatabase() error {
	Close(DB, RedisClient)
	return nil
}
