package database

import (
	"time"

	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

func Connect(dbUrl string) *gorm.DB {
	var err error
	DB, err = gorm.Open(postgres.Open(dbUrl), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", logger.WithError(err))
	}

	sqlDB, err := DB.DB()
	if err != nil {
		logger.Fatal("Failed to get database handle", logger.WithError(err))
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("Connected to database")
	return DB
}

// Migrate creates or updates the tables for the given models.
func Migrate(db *gorm.DB, models ...interface{}) {
	if err := db.AutoMigrate(models...); err != nil {
		logger.Fatal("Failed to migrate database", logger.WithError(err))
	}
	logger.Info("Database migrated", logger.Fields{"models": len(models)})
}
