package database

import (
	"fmt"
	"log"
	"time"

	"school_test_backend/internal/config"
	"school_test_backend/internal/model"
	"school_test_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func dialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		return postgres.Open(dsn), nil
	case "mysql", "":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=Local",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.DBName,
			cfg.Charset,
			cfg.ParseTime,
		)
		return mysql.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func InitDB(cfg *config.Config) (*gorm.DB, error) {
	d, err := dialector(&cfg.Database)
	if err != nil {
		return nil, err
	}

	logLevel := gormlogger.Warn
	if cfg.Server.Mode == "debug" {
		logLevel = gormlogger.Info
	}

	// SQL 日志走 zap
	db, err := gorm.Open(d, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger.Log), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connection established")

	// release 模式默认跳过自动迁移，由 -migrate 显式触发
	if cfg.Server.Mode != "release" || cfg.ForceMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
		log.Println("Database migration completed")
	}

	if err := Seed(db, cfg.Seed); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Grade{},
		&model.Subject{},
		&model.User{},
		&model.BootstrapLock{},
		&model.Test{},
		&model.Question{},
		&model.Option{},
		&model.Answer{},
		&model.UserTest{},
	)
}

// Seed 年级和科目为空时写入配置中的默认数据
func Seed(db *gorm.DB, seed config.SeedConfig) error {
	var count int64
	if err := db.Model(&model.Grade{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 || len(seed.Grades) == 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, g := range seed.Grades {
			grade := model.Grade{Name: g.Name}
			if err := tx.Create(&grade).Error; err != nil {
				return err
			}
			for _, name := range g.Subjects {
				if err := tx.Create(&model.Subject{Name: name, GradeID: grade.ID}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
