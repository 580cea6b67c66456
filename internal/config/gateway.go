package config

import (
	"strings"
)

const (
	PayUProductionURL = "https://secure.payu.com"
	PayUSandboxURL    = "https://secure.snd.payu.com"
)

// PayUConfig is resolved from either the production or the sandbox variable
// set, depending on PAYU_ENVIRONMENT.
type PayUConfig struct {
	Environment  string
	BaseURL      string
	PosID        string
	SecondKey    string
	ClientID     string
	ClientSecret string
	NotifyURL    string
	ContinueURL  string
}

func (c PayUConfig) Sandbox() bool {
	return c.Environment != "production"
}

// Missing lists the credentials that are not set.
func (c PayUConfig) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.PosID) == "" {
		missing = append(missing, "pos_id")
	}
	if strings.TrimSpace(c.SecondKey) == "" {
		missing = append(missing, "second_key")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	return missing
}

type StripeConfig struct {
	Mode          string
	SecretKey     string
	WebhookSecret string
	APIURL        string
	SuccessURL    string
	CancelURL     string

	PortalReturnURL string
}

func (c StripeConfig) Sandbox() bool {
	return c.Mode != "live"
}

func loadPayUConfig(appURL string) PayUConfig {
	env := strings.ToLower(strings.TrimSpace(getenv("PAYU_ENVIRONMENT", "sandbox")))
	if env != "production" {
		env = "sandbox"
	}

	cfg := PayUConfig{
		Environment: env,
		NotifyURL:   getenv("PAYU_NOTIFY_URL", appURL+"/webhooks/payu"),
		ContinueURL: getenv("PAYU_CONTINUE_URL", appURL+"/subscription/success"),
	}
	if env == "production" {
		cfg.BaseURL = PayUProductionURL
		cfg.PosID = strings.TrimSpace(getenv("PAYU_POS_ID", ""))
		cfg.SecondKey = strings.TrimSpace(getenv("PAYU_SECOND_KEY", ""))
		cfg.ClientID = strings.TrimSpace(getenv("PAYU_OAUTH_CLIENT_ID", ""))
		cfg.ClientSecret = strings.TrimSpace(getenv("PAYU_OAUTH_CLIENT_SECRET", ""))
	} else {
		cfg.BaseURL = PayUSandboxURL
		cfg.PosID = strings.TrimSpace(getenv("PAYU_SANDBOX_POS_ID", ""))
		cfg.SecondKey = strings.TrimSpace(getenv("PAYU_SANDBOX_SECOND_KEY", ""))
		cfg.ClientID = strings.TrimSpace(getenv("PAYU_SANDBOX_OAUTH_CLIENT_ID", ""))
		cfg.ClientSecret = strings.TrimSpace(getenv("PAYU_SANDBOX_OAUTH_CLIENT_SECRET", ""))
	}
	if override := strings.TrimSpace(getenv("PAYU_BASE_URL", "")); override != "" {
		cfg.BaseURL = strings.TrimRight(override, "/")
	}
	return cfg
}

func loadStripeConfig(appURL string) StripeConfig {
	mode := strings.ToLower(strings.TrimSpace(getenv("STRIPE_MODE", "test")))
	if mode != "live" {
		mode = "test"
	}
	return StripeConfig{
		Mode:          mode,
		SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		APIURL:        strings.TrimSpace(getenv("STRIPE_API_URL", "")),
		SuccessURL:    getenv("STRIPE_SUCCESS_URL", appURL+"/subscription/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     getenv("STRIPE_CANCEL_URL", appURL+"/subscription?canceled=true"),

		PortalReturnURL: getenv("STRIPE_PORTAL_RETURN_URL", appURL+"/subscription"),
	}
}
