package config_test

import (
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/sksmith/checkout-reservations/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.LoadDefaults()

	if cfg.Profile.Value != cfg.Profile.Default {
		t.Errorf("profile got=%s want=%s", cfg.Profile.Value, cfg.Profile.Default)
	}
	if cfg.Reservation.TTL() != 10*time.Minute {
		t.Errorf("ttl got=%v want=%v", cfg.Reservation.TTL(), 10*time.Minute)
	}
	if cfg.Reservation.SweepInterval.Value != time.Minute {
		t.Errorf("sweep interval got=%v want=%v", cfg.Reservation.SweepInterval.Value, time.Minute)
	}
	if cfg.AppName != config.AppName {
		t.Errorf("app name got=%s want=%s", cfg.AppName, config.AppName)
	}
}

func TestLoad(t *testing.T) {
	cfg := config.Load("config_test")

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{name: "profile", got: cfg.Profile.Value, want: "test"},
		{name: "port", got: cfg.Port.Value, want: "9090"},
		{name: "log level", got: cfg.Log.Level.Value, want: "warn"},
		{name: "db host", got: cfg.Db.Host.Value, want: "testdb"},
		{name: "db in memory", got: cfg.Db.InMemory.Value, want: true},
		{name: "pool max size", got: cfg.Db.Pool.MaxSize.Value, want: int64(5)},
		{name: "pool min size falls back to default", got: cfg.Db.Pool.MinSize.Value, want: cfg.Db.Pool.MinSize.Default},
		{name: "rabbit mock", got: cfg.RabbitMQ.Mock.Value, want: true},
		{name: "kafka brokers", got: cfg.Kafka.BrokerList(), want: []string{"broker-1:9092", "broker-2:9092"}},
		{name: "reservation ttl", got: cfg.Reservation.TTL(), want: 15 * time.Minute},
		{name: "sweep interval", got: cfg.Reservation.SweepInterval.Value, want: 30 * time.Second},
		{name: "stock exchange default", got: cfg.RabbitMQ.Stock.Exchange.Value, want: "stock.exchange"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if !reflect.DeepEqual(test.got, test.want) {
				t.Errorf("got=%v want=%v", test.got, test.want)
			}
		})
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	if err := os.Setenv("RESERVATIONS_DB_HOST", "envhost"); err != nil {
		t.Fatal(err)
	}
	defer os.Unsetenv("RESERVATIONS_DB_HOST")

	cfg := config.Load("config_test")

	if cfg.Db.Host.Value != "envhost" {
		t.Errorf("db host got=%s want=%s", cfg.Db.Host.Value, "envhost")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := config.Load("does_not_exist")

	if cfg.Port.Value != cfg.Port.Default {
		t.Errorf("port got=%s want=%s", cfg.Port.Value, cfg.Port.Default)
	}
}
