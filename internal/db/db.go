package db

import (
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/buzz-line/buzz-line/internal/models"
)

// Connect opens the configured database and migrates the schema. MySQL DSNs
// (user:pass@tcp(...)/db) pick the mysql driver; anything else is treated as
// a sqlite path or DSN.
func Connect(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.Contains(dsn, "@tcp(") {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(
		&models.Visitor{},
		&models.Message{},
		&models.TokenSession{},
		&models.SupportPresence{},
	); err != nil {
		return nil, err
	}
	return gdb, nil
}
