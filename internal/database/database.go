package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DB представляет подключение к базе данных
type DB struct {
	*sql.DB
	driver string
}

// Connect создает подключение к базе данных и применяет миграции
func Connect(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	var dsn string
	switch driver {
	case DriverPostgres:
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
	case DriverSQLite:
		dsn = cfg.SQLitePath
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	log.WithField("driver", driver).Info("Successfully connected to database")
	return db, nil
}

// Open открывает базу указанным драйвером, проверяет соединение и накатывает миграции
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite пишет в один поток, транзакции сериализуются на одном соединении
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Настройка пула соединений
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		if _, err := sqlDB.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Driver возвращает имя драйвера
func (db *DB) Driver() string {
	return db.driver
}

// InTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию и возвращается как есть.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close закрывает подключение к базе данных
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health проверяет состояние базы данных
func (db *DB) Health() error {
	return db.Ping()
}
