package model

import "github.com/shopspring/decimal"

// Settings is the persisted operator configuration: dashboard credentials and
// the amount filter handed to the worker at start.
type Settings struct {
	Login     string           `json:"login"`
	Password  string           `json:"password,omitempty"`
	MinAmount *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount *decimal.Decimal `json:"maxAmount,omitempty"`
	// Active records whether the worker was running when the process last
	// stopped; the control surface uses it for display only.
	Active bool `json:"active"`
}

func (s Settings) Credentials() Credentials {
	return Credentials{Login: s.Login, Password: s.Password}
}

func (s Settings) Filter() AmountFilter {
	return AmountFilter{Min: s.MinAmount, Max: s.MaxAmount}
}

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
	SMTPHost string `json:"smtpHost,omitempty"`
	SMTPPort int    `json:"smtpPort,omitempty"`
	To       string `json:"to,omitempty"`
}
