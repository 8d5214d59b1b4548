package config // package config loads application configuration from environment variables

import (
	"log"
	"os"
	"strconv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Strings for identifiers, secrets and URLs; ints
// where the value is numeric.
type Config struct {
	Env           string // application environment (e.g. "dev", "prod")
	Port          string // HTTP port to listen on
	DBUser        string // database username
	DBPass        string // database password (optional)
	DBHost        string // database host address
	DBPort        string // database port number
	DBName        string // database name
	JWTSecret     string // secret shared with the identity provider for verifying tokens
	StripeKey     string // payment provider secret API key
	WebhookSecret string // payment provider webhook signing secret
	SuccessURL    string // storefront URL the provider redirects to after payment
	CancelURL     string // storefront URL the provider redirects to on abandon
	AdminKeyHash  string // bcrypt hash of the dashboard service key (optional)
	SMTPHost      string // SMTP relay host (optional; mail disabled when empty)
	SMTPPort      string // SMTP relay port
	SMTPUser      string // SMTP username
	SMTPPass      string // SMTP password
	MailFrom      string // From address on confirmation email
}

// Load reads configuration from environment variables.  Required variables
// are enforced by must(); missing values exit with a fatal log message.
func Load() Config {
	return Config{
		Env:           must("APP_ENV"),
		Port:          must("APP_PORT"),
		DBUser:        must("DB_USER"),
		DBPass:        os.Getenv("DB_PASS"),
		DBHost:        must("DB_HOST"),
		DBPort:        must("DB_PORT"),
		DBName:        must("DB_NAME"),
		JWTSecret:     must("JWT_SECRET"),
		StripeKey:     must("STRIPE_SECRET_KEY"),
		WebhookSecret: must("STRIPE_WEBHOOK_SECRET"),
		SuccessURL:    must("CHECKOUT_SUCCESS_URL"),
		CancelURL:     must("CHECKOUT_CANCEL_URL"),
		AdminKeyHash:  os.Getenv("ADMIN_KEY_HASH"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      os.Getenv("SMTP_PORT"),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPass:      os.Getenv("SMTP_PASSWORD"),
		MailFrom:      os.Getenv("MAIL_FROM"),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
