package repository

import (
	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
)

// strategyRepository implements StrategyRepository on GORM.
type strategyRepository struct {
	db *gorm.DB
}

// NewStrategyRepository creates a strategy repository backed by GORM.
func NewStrategyRepository(db *gorm.DB) StrategyRepository {
	return &strategyRepository{db: db}
}

func (r *strategyRepository) ListActive() ([]models.DunningStrategy, error) {
	var strategies []models.DunningStrategy
	err := r.db.Where("is_active = ?", true).Order("name").Find(&strategies).Error
	return strategies, err
}

func (r *strategyRepository) GetByName(name string) (*models.DunningStrategy, error) {
	var strategy models.DunningStrategy
	err := r.db.Where("name = ? AND is_active = ?", name, true).First(&strategy).Error
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

// SeedDefaults inserts the built-in strategies when the table is empty so a
// fresh deployment can process failures without manual configuration.
func (r *strategyRepository) SeedDefaults() error {
	var count int64
	if err := r.db.Model(&models.DunningStrategy{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := []models.DunningStrategy{
		{
			Name:                        "standard",
			MaxAttempts:                 4,
			RetryIntervalsDays:          models.IntSlice{3, 5, 7, 7},
			RestrictAccessAfterDays:     10,
			PauseSubscriptionAfterDays:  15,
			CancelSubscriptionAfterDays: 30,
			InitialTemplateID:           "dunning_initial",
			ReminderTemplateID:          "dunning_reminder",
			FinalNoticeTemplateID:       "dunning_final_notice",
			SuccessTemplateID:           "dunning_success",
			IsActive:                    true,
			Version:                     1,
		},
		{
			Name:                        "aggressive",
			MaxAttempts:                 6,
			RetryIntervalsDays:          models.IntSlice{1, 2, 3, 3, 3, 3},
			RestrictAccessAfterDays:     5,
			PauseSubscriptionAfterDays:  8,
			CancelSubscriptionAfterDays: 15,
			InitialTemplateID:           "dunning_initial",
			ReminderTemplateID:          "dunning_reminder",
			FinalNoticeTemplateID:       "dunning_final_notice",
			SuccessTemplateID:           "dunning_success",
			IsActive:                    true,
			Version:                     1,
		},
		{
			Name:                        "gentle",
			MaxAttempts:                 3,
			RetryIntervalsDays:          models.IntSlice{7, 14, 14},
			RestrictAccessAfterDays:     21,
			PauseSubscriptionAfterDays:  30,
			CancelSubscriptionAfterDays: 45,
			InitialTemplateID:           "dunning_initial",
			ReminderTemplateID:          "dunning_reminder",
			FinalNoticeTemplateID:       "dunning_final_notice",
			SuccessTemplateID:           "dunning_success",
			IsActive:                    true,
			Version:                     1,
		},
	}
	return r.db.Create(&defaults).Error
}
