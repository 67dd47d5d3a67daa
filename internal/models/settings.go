package models

import "time"

const DefaultRefreshMinutes = 30

// ProviderSettings are operator-managed and re-read at the start of every cycle.
type ProviderSettings struct {
	UPSClientID       string
	UPSClientSecret   string
	USPSUserID        string
	FedExClientID     string
	FedExClientSecret string

	RefreshMinutes      int
	StockRefreshMinutes int

	UpdatedAt *time.Time
}

type SettingsPatch struct {
	UPSClientID         *string `json:"upsClientId,omitempty"`
	UPSClientSecret     *string `json:"upsClientSecret,omitempty"`
	USPSUserID          *string `json:"uspsUserId,omitempty"`
	FedExClientID       *string `json:"fedexClientId,omitempty"`
	FedExClientSecret   *string `json:"fedexClientSecret,omitempty"`
	RefreshMinutes      *int    `json:"refreshMinutes,omitempty"`
	StockRefreshMinutes *int    `json:"stockRefreshMinutes,omitempty"`
}

func (p SettingsPatch) Apply(s ProviderSettings) ProviderSettings {
	if p.UPSClientID != nil {
		s.UPSClientID = *p.UPSClientID
	}
	if p.UPSClientSecret != nil {
		s.UPSClientSecret = *p.UPSClientSecret
	}
	if p.USPSUserID != nil {
		s.USPSUserID = *p.USPSUserID
	}
	if p.FedExClientID != nil {
		s.FedExClientID = *p.FedExClientID
	}
	if p.FedExClientSecret != nil {
		s.FedExClientSecret = *p.FedExClientSecret
	}
	if p.RefreshMinutes != nil && *p.RefreshMinutes > 0 {
		s.RefreshMinutes = *p.RefreshMinutes
	}
	if p.StockRefreshMinutes != nil && *p.StockRefreshMinutes > 0 {
		s.StockRefreshMinutes = *p.StockRefreshMinutes
	}
	return s
}

func (s ProviderSettings) TrackingInterval() time.Duration {
	return minutesOrDefault(s.RefreshMinutes)
}

func (s ProviderSettings) StockInterval() time.Duration {
	return minutesOrDefault(s.StockRefreshMinutes)
}

func minutesOrDefault(m int) time.Duration {
	if m <= 0 {
		m = DefaultRefreshMinutes
	}
	return time.Duration(m) * time.Minute
}
