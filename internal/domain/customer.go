package domain

import "time"

// Customer — владелец корзины и заказов.
// Active отвечает за видимость (soft delete), CanPurchase за право покупать.
type Customer struct {
	ID          int64
	AuthID      string
	Name        string
	Email       string
	Address     string
	Active      bool
	CanPurchase bool
	// Version — токен optimistic locking, растёт при каждом сохранении.
	Version   int64
	UpdatedAt time.Time
}

// CheckPurchase проверяет, может ли клиент оформить заказ.
func (c Customer) CheckPurchase() error {
	if !c.Active {
		return ErrCustomerInactive
	}
	if !c.CanPurchase {
		return ErrCustomerCannotPurchase
	}
	return nil
}

// Anonymize стирает персональные данные и снимает оба флага.
func (c Customer) Anonymize(at time.Time) Customer {
	c.Name = ""
	c.Email = ""
	c.Address = ""
	c.Active = false
	c.CanPurchase = false
	c.UpdatedAt = at.UTC()
	return c
}
