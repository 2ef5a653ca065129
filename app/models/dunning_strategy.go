package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// DunningStrategy is a versioned named configuration controlling how a
// recovery run retries and escalates. Strategies are loaded at boot and
// cached; changing a strategy never retouches in-flight dunning events.
type DunningStrategy struct {
	ID                          uint     `gorm:"primaryKey" json:"id"`
	Name                        string   `gorm:"type:varchar(50);not null;uniqueIndex" json:"name"`
	MaxAttempts                 int      `gorm:"not null" json:"max_attempts"`
	RetryIntervalsDays          IntSlice `gorm:"type:varchar(191);not null" json:"retry_intervals_days"`
	RestrictAccessAfterDays     int      `gorm:"not null" json:"restrict_access_after_days"`
	PauseSubscriptionAfterDays  int      `gorm:"not null" json:"pause_subscription_after_days"`
	CancelSubscriptionAfterDays int      `gorm:"not null" json:"cancel_subscription_after_days"`
	InitialTemplateID           string   `gorm:"type:varchar(100);not null" json:"initial_template_id"`
	ReminderTemplateID          string   `gorm:"type:varchar(100);not null" json:"reminder_template_id"`
	FinalNoticeTemplateID       string   `gorm:"type:varchar(100);not null" json:"final_notice_template_id"`
	SuccessTemplateID           string   `gorm:"type:varchar(100);not null" json:"success_template_id"`
	IsActive                    bool     `gorm:"not null;default:true;index" json:"is_active"`
	Version                     int      `gorm:"not null;default:1" json:"version"`
}

func (DunningStrategy) TableName() string {
	return "dunning_strategies"
}

// IntSlice stores an ordered list of day counts as a JSON column.
type IntSlice []int

func (s IntSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = IntSlice{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported interval column type %T", value)
	}
	if len(data) == 0 {
		*s = IntSlice{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// IntervalDays returns the retry interval for the given zero-based attempt
// index, clamped to the last configured entry.
func (d *DunningStrategy) IntervalDays(attempt int) int {
	if len(d.RetryIntervalsDays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(d.RetryIntervalsDays) {
		attempt = len(d.RetryIntervalsDays) - 1
	}
	return d.RetryIntervalsDays[attempt]
}
