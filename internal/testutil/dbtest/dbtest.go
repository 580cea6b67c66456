// Package dbtest opens isolated in-memory sqlite databases carrying the
// payment and subscription schema.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq int64

const schema = `
CREATE TABLE payment_orders (
	id INTEGER PRIMARY KEY,
	external_order_id TEXT NOT NULL,
	provider_order_id TEXT,
	provider TEXT NOT NULL,
	user_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	billing_cycle TEXT NOT NULL,
	amount INTEGER NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	recurring BOOLEAN NOT NULL DEFAULT FALSE,
	customer_email TEXT NOT NULL,
	redirect_url TEXT,
	raw_provider_payload TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE UNIQUE INDEX payment_orders_external_order_id ON payment_orders (external_order_id);
CREATE UNIQUE INDEX payment_orders_provider_order_id ON payment_orders (provider, provider_order_id) WHERE provider_order_id IS NOT NULL;

CREATE TABLE orphan_webhooks (
	id INTEGER PRIMARY KEY,
	provider TEXT NOT NULL,
	event_type TEXT NOT NULL,
	external_order_id TEXT,
	provider_order_id TEXT,
	reported_status TEXT,
	reason TEXT NOT NULL,
	payload TEXT,
	received_at DATETIME NOT NULL
);

CREATE TABLE payment_pages (
	token TEXT PRIMARY KEY,
	order_id INTEGER NOT NULL,
	provider TEXT NOT NULL,
	request_body TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE payment_events (
	id INTEGER PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT,
	received_at DATETIME NOT NULL,
	processed_at DATETIME,
	UNIQUE (provider, provider_event_id)
);

CREATE TABLE user_subscriptions (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	billing_cycle TEXT NOT NULL,
	status TEXT NOT NULL,
	current_period_start DATETIME NOT NULL,
	current_period_end DATETIME NOT NULL,
	trial_start DATETIME,
	trial_end DATETIME,
	payment_attempts INTEGER NOT NULL DEFAULT 0,
	last_payment_order_id INTEGER,
	last_renewal_ref TEXT,
	provider TEXT NOT NULL,
	provider_subscription_id TEXT,
	provider_customer_id TEXT,
	amount_gross INTEGER NOT NULL,
	currency TEXT NOT NULL,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	canceled_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX user_subscriptions_one_active ON user_subscriptions (user_id) WHERE status = 'active';
CREATE UNIQUE INDEX user_subscriptions_provider_subscription_id ON user_subscriptions (provider, provider_subscription_id) WHERE provider_subscription_id IS NOT NULL;
`

// Open returns a fresh database. Connections are capped at one so
// concurrent tests exercise the same serialised writer sqlite offers.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_loc=auto", name, atomic.AddInt64(&seq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
