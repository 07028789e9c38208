package broker

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tradesim/tradesim-api/internal/types"
)

// Database is the broker's repository for order and account records.
// Only boundary records are persisted; quote state and the pending-order
// working set live in memory.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAccount(acc *types.Account) error {
	return d.db.Create(acc).Error
}

func (d *Database) GetAccount(accountID string) (*types.Account, error) {
	var acc types.Account
	if err := d.db.Where("account_id = ?", accountID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (d *Database) UpdateAccountCash(accountID string, cash float64) error {
	return d.db.Model(&types.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"cash":       cash,
			"updated_at": time.Now(),
		}).Error
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByAccount(accountID string) ([]types.Order, error) {
	var out []types.Order
	if err := d.db.Where("account_id = ?", accountID).Order("seq asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) UpdateOrderStatus(orderID string, status types.OrderStatus) error {
	return d.db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (d *Database) UpdateOrderExecution(orderID string, status types.OrderStatus, price float64, quantity int64) error {
	return d.db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":            status,
			"executed_price":    price,
			"executed_quantity": quantity,
			"updated_at":        time.Now(),
		}).Error
}
