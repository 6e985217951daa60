package domain

import "time"

// TimelineEvent фиксирует переход автомата оформления заказа.
// PlacementID объединяет события одной попытки; OrderID появляется после коммита.
type TimelineEvent struct {
	PlacementID string
	CustomerID  int64
	OrderID     int64
	State       PlacementState
	Reason      string
	Occurred    time.Time
}
