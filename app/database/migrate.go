package database

import (
	"hanbok-fusion/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.HanbokTask{},
	)
}
