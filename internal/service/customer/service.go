package customer

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
)

// FactPropagator доносит факт до внешнего сервиса; неудачи уходят в outbox.
type FactPropagator interface {
	Propagate(ctx context.Context, fact domain.Fact) domain.DeliveryResult
}

// Registration содержит данные нового клиента.
type Registration struct {
	AuthID      string
	Name        string
	Email       string
	Address     string
	CanPurchase bool
}

// Validate проверяет регистрационные данные.
func (r Registration) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.AuthID,
			validation.Required.Error("auth id is required"),
			validation.Length(1, 255).Error("auth id must be between 1 and 255 characters"),
		),
		validation.Field(&r.Name, validation.Length(0, 255).Error("name must not exceed 255 characters")),
		validation.Field(&r.Email, is.EmailFormat.Error("email must be a valid email address")),
		validation.Field(&r.Address, validation.Length(0, 1024).Error("address must not exceed 1024 characters")),
	)
	return domain.ValidationError(err)
}

// ProfileUpdate — изменение профиля. Version должен совпадать с хранимым.
type ProfileUpdate struct {
	ID          int64
	Version     int64
	Name        string
	Email       string
	Address     string
	CanPurchase bool
}

// Validate проверяет изменения профиля.
func (u ProfileUpdate) Validate() error {
	err := validation.ValidateStruct(&u,
		validation.Field(&u.ID, validation.Required.Error("customer id is required"), validation.Min(int64(1))),
		validation.Field(&u.Version, validation.Required.Error("version is required"), validation.Min(int64(1))),
		validation.Field(&u.Name, validation.Length(0, 255).Error("name must not exceed 255 characters")),
		validation.Field(&u.Email, is.EmailFormat.Error("email must be a valid email address")),
		validation.Field(&u.Address, validation.Length(0, 1024).Error("address must not exceed 1024 characters")),
	)
	return domain.ValidationError(err)
}

// Service — прямой путь изменения клиентов: локальный коммит,
// затем синхронная попытка донести факт до customer-account.
type Service struct {
	store      domain.Store
	propagator FactPropagator
	locks      *customerlock.Locker
	logger     *log.Entry
	now        func() time.Time
}

// NewService создаёт сервис клиентов. Locker должен быть общим с корзиной и оркестратором.
func NewService(store domain.Store, propagator FactPropagator, locks *customerlock.Locker, logger *log.Entry) *Service {
	if locks == nil {
		locks = customerlock.New()
	}
	if logger == nil {
		logger = log.WithField("component", "customer")
	}
	return &Service{store: store, propagator: propagator, locks: locks, logger: logger, now: time.Now}
}

// Register заводит клиента. Факт не рассылается: клиенты приходят из customer-account.
func (s *Service) Register(ctx context.Context, input Registration) (domain.Customer, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := input.Validate(); err != nil {
		return domain.Customer{}, err
	}

	created, err := s.store.Repositories().Customers.Create(ctx, domain.Customer{
		AuthID:      input.AuthID,
		Name:        input.Name,
		Email:       input.Email,
		Address:     input.Address,
		Active:      true,
		CanPurchase: input.CanPurchase,
	})
	if err != nil {
		return domain.Customer{}, domain.AsConflict(fmt.Errorf("create customer: %w", err))
	}

	s.logger.WithField("customer_id", created.ID).Info("customer registered")
	return created, nil
}

// Get возвращает клиента.
func (s *Service) Get(ctx context.Context, id int64) (domain.Customer, error) {
	if id <= 0 {
		return domain.Customer{}, domain.ErrCustomerRequired
	}
	return s.store.Repositories().Customers.Get(ctx, id)
}

// Update сохраняет профиль с проверкой версии и рассылает customer-update.
// Устаревшая версия даёт Conflict.
func (s *Service) Update(ctx context.Context, input ProfileUpdate) (domain.Customer, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := input.Validate(); err != nil {
		return domain.Customer{}, err
	}

	unlock, err := s.lock(ctx, input.ID)
	if err != nil {
		return domain.Customer{}, err
	}
	defer unlock()

	repos := s.store.Repositories()
	current, err := repos.Customers.Get(ctx, input.ID)
	if err != nil {
		return domain.Customer{}, err
	}
	if !current.Active {
		return domain.Customer{}, domain.ErrCustomerInactive
	}

	current.Name = input.Name
	current.Email = input.Email
	current.Address = input.Address
	current.CanPurchase = input.CanPurchase
	current.Version = input.Version
	current.UpdatedAt = s.now().UTC()

	saved, err := repos.Customers.Save(ctx, current)
	if err != nil {
		return domain.Customer{}, domain.AsConflict(fmt.Errorf("save customer %d: %w", input.ID, err))
	}

	s.logger.WithFields(log.Fields{
		"customer_id": saved.ID,
		"version":     saved.Version,
	}).Info("customer updated")

	fact, err := domain.CustomerUpdateFact(saved)
	if err != nil {
		return domain.Customer{}, err
	}
	s.propagate(ctx, fact)
	return saved, nil
}

// Delete анонимизирует клиента, снимает флаги, очищает корзину
// и рассылает customer-remove. Повторное удаление безопасно.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return domain.ErrCustomerRequired
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		current, err := tx.Customers.Lock(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Customers.Save(ctx, current.Anonymize(s.now())); err != nil {
			return fmt.Errorf("anonymize customer %d: %w", id, err)
		}
		if err := tx.Baskets.Clear(ctx, id, nil); err != nil {
			return fmt.Errorf("clear basket: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AsConflict(err)
	}

	s.logger.WithField("customer_id", id).Info("customer deleted")

	fact, err := domain.CustomerRemoveFact(id)
	if err != nil {
		return err
	}
	s.propagate(ctx, fact)
	return nil
}

func (s *Service) propagate(ctx context.Context, fact domain.Fact) {
	if s.propagator == nil {
		return
	}
	result := s.propagator.Propagate(ctx, fact)
	if result.Outcome != domain.Delivered {
		s.logger.WithFields(log.Fields{
			"dedupe_key": fact.DedupeKey(),
			"outcome":    string(result.Outcome),
		}).Warn("customer fact not delivered synchronously")
	}
}

func (s *Service) lock(ctx context.Context, customerID int64) (func(), error) {
	unlock, err := s.locks.Lock(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("customer %d: %w: %w", customerID, domain.ErrCustomerBusy, err)
	}
	return unlock, nil
}
