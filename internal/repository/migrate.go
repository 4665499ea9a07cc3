package repository

import "gorm.io/gorm"

// Migrate создаёт таблицы бизнес-сущностей.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OrderModel{},
		&OrderItemModel{},
		&PaymentModel{},
		&RefundModel{},
	)
}
