package config

import (
	"flag"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	sc "github.com/sksmith/go-spring-config"
	"github.com/spf13/viper"
)

const (
	AppName  = "Checkout Reservations"
	Revision = "1"

	EnvPrefix = "RESERVATIONS"

	maxRemoteRetries = 5
)

var (
	// Build time arguments
	AppVersion  string
	Sha1Version string
	BuildTime   string

	// Runtime flags
	profile      *string
	configFile   *string
	configSource *string
	configUrl    *string
	configBranch *string
	configUser   *string
	configPass   *string
)

func init() {
	profile = flag.String("p", "local", "profile for the application config")
	configFile = flag.String("c", "config", "name of the local configuration file, without extension")
	configSource = flag.String("s", "local", "where to get configurations from (local or spring)")
	configUrl = flag.String("cfgUrl", "", "url for application config server")
	configBranch = flag.String("cfgBranch", "", "branch to request from the configuration server (used for spring cloud config)")
	configUser = flag.String("cfgUser", "", "username to use when connecting to the application server")
	configPass = flag.String("cfgPass", "", "password to use when connecting to the application server")
}

type StringConfig struct {
	Value       string `json:"value"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

type BoolConfig struct {
	Value       bool   `json:"value"`
	Default     bool   `json:"default"`
	Description string `json:"description"`
}

type IntConfig struct {
	Value       int64  `json:"value"`
	Default     int64  `json:"default"`
	Description string `json:"description"`
}

type DurationConfig struct {
	Value       time.Duration `json:"value"`
	Default     time.Duration `json:"default"`
	Description string        `json:"description"`
}

type Config struct {
	AppName        string            `json:"appName"`
	AppVersion     string            `json:"appVersion"`
	Sha1Version    string            `json:"sha1Version"`
	BuildTime      string            `json:"buildTime"`
	Revision       string            `json:"revision"`
	Profile        StringConfig      `json:"profile"`
	Port           StringConfig      `json:"port"`
	GenerateRoutes BoolConfig        `json:"generateRoutes"`
	Config         ConfigSource      `json:"config"`
	Log            LogConfig         `json:"log"`
	Db             DbConfig          `json:"db"`
	RabbitMQ       QueueConfig       `json:"rabbitmq"`
	Kafka          KafkaConfig       `json:"kafka"`
	Redis          RedisConfig       `json:"redis"`
	Reservation    ReservationConfig `json:"reservation"`
}

type ConfigSource struct {
	Print  BoolConfig   `json:"print"`
	Source StringConfig `json:"source"`
	Spring SpringConfig `json:"spring"`
}

type SpringConfig struct {
	Url    StringConfig `json:"url"`
	Branch StringConfig `json:"branch"`
	User   StringConfig `json:"user"`
	Pass   StringConfig `json:"pass" sensitive:"true"`
}

type LogConfig struct {
	Level      StringConfig `json:"level"`
	Structured BoolConfig   `json:"structured"`
}

type DbConfig struct {
	Name       StringConfig `json:"name"`
	Host       StringConfig `json:"host"`
	Port       StringConfig `json:"port"`
	User       StringConfig `json:"user"`
	Pass       StringConfig `json:"pass" sensitive:"true"`
	Migrate    BoolConfig   `json:"migrate"`
	Migrations StringConfig `json:"migrations"`
	Clean      BoolConfig   `json:"clean"`
	InMemory   BoolConfig   `json:"inMemory"`
	Pool       PoolConfig   `json:"pool"`
}

type PoolConfig struct {
	MinSize IntConfig `json:"minSize"`
	MaxSize IntConfig `json:"maxSize"`
}

type QueueConfig struct {
	Host        StringConfig       `json:"host"`
	Port        StringConfig       `json:"port"`
	User        StringConfig       `json:"user"`
	Pass        StringConfig       `json:"pass" sensitive:"true"`
	Mock        BoolConfig         `json:"mock"`
	Reservation ExchangeConfig     `json:"reservation"`
	Stock       ExchangeConfig     `json:"stock"`
	StockFeed   StockFeedConfig    `json:"stockFeed"`
	Release     ReleaseQueueConfig `json:"release"`
}

type ExchangeConfig struct {
	Exchange StringConfig `json:"exchange"`
}

type StockFeedConfig struct {
	Queue StringConfig   `json:"queue"`
	Dlt   ExchangeConfig `json:"dlt"`
}

type ReleaseQueueConfig struct {
	Queue StringConfig `json:"queue"`
}

type KafkaConfig struct {
	Enabled BoolConfig   `json:"enabled"`
	Brokers StringConfig `json:"brokers"`
	Topic   StringConfig `json:"topic"`
}

// BrokerList splits the comma separated broker setting.
func (k KafkaConfig) BrokerList() []string {
	brokers := make([]string, 0)
	for _, b := range strings.Split(k.Brokers.Value, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type RedisConfig struct {
	Enabled  BoolConfig     `json:"enabled"`
	Addr     StringConfig   `json:"addr"`
	Password StringConfig   `json:"password" sensitive:"true"`
	TTL      DurationConfig `json:"ttl"`
	Prefix   StringConfig   `json:"prefix"`
}

type ReservationConfig struct {
	TTLMinutes    IntConfig      `json:"ttlMinutes"`
	SweepInterval DurationConfig `json:"sweepInterval"`
	SweepLimit    IntConfig      `json:"sweepLimit"`
}

// TTL is how long a new reservation holds its stock.
func (r ReservationConfig) TTL() time.Duration {
	return time.Duration(r.TTLMinutes.Value) * time.Minute
}

func (c *Config) Print() {
	if c.Config.Print.Value {
		log.Info().Interface("config", c).Msg("the following configurations have successfully loaded")
	}
}

// LoadDefaults returns the configuration without reading any file, environment or flags.
func LoadDefaults() *Config {
	cfg := newConfig()
	for _, e := range cfg.entries() {
		e.val.useDefault()
	}
	return cfg
}

// Load reads the named yaml file (without extension) from the working directory or ./config,
// then environment variables prefixed with RESERVATIONS_, then command line flags. When the
// config source is spring the remote properties are layered on top.
func Load(filename string) *Config {
	cfg, err := load(filename)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configurations")
	}
	return cfg
}

// LoadFromFlags is Load using the file named by the -c flag.
func LoadFromFlags() *Config {
	return Load(*configFile)
}

func load(filename string) (*Config, error) {
	cfg := newConfig()
	v := viper.New()

	entries := cfg.entries()
	for _, e := range entries {
		e.val.setDefault(v, e.key)
	}

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.WithMessage(err, "failed to read config file")
		}
		log.Warn().Str("file", filename).Msg("no config file found, using defaults")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyFlags(v)

	if v.GetString("config.source") == "spring" {
		if err := loadRemoteConfigs(v); err != nil {
			return nil, err
		}
	}

	for _, e := range entries {
		e.val.load(v, e.key)
	}

	return cfg, nil
}

// applyFlags only overrides values for flags that were explicitly set on the command line.
func applyFlags(v *viper.Viper) {
	if !flag.Parsed() {
		return
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			v.Set("profile", *profile)
		case "s":
			v.Set("config.source", *configSource)
		case "cfgUrl":
			v.Set("config.spring.url", *configUrl)
		case "cfgBranch":
			v.Set("config.spring.branch", *configBranch)
		case "cfgUser":
			v.Set("config.spring.user", *configUser)
		case "cfgPass":
			v.Set("config.spring.pass", *configPass)
		}
	})
}

func loadRemoteConfigs(v *viper.Viper) error {
	url := v.GetString("config.spring.url")
	log.Info().Str("url", url).Msg("loading remote configurations...")

	var remote *sc.Config
	var err error
	for tryCount := 1; tryCount <= maxRemoteRetries; tryCount++ {
		remote, err = sc.LoadWithCreds(url, AppName,
			v.GetString("config.spring.branch"),
			v.GetString("config.spring.user"),
			v.GetString("config.spring.pass"),
			v.GetString("profile"))
		if err == nil {
			break
		}
		log.Error().Err(err).Int("try", tryCount).Msg("failed to load remote configurations... retrying")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return errors.WithMessage(err, "failed to load remote configurations")
	}

	for k, val := range remote.Values {
		v.Set(k, val)
	}
	return nil
}

type configValue interface {
	setDefault(v *viper.Viper, key string)
	load(v *viper.Viper, key string)
	useDefault()
}

func (c *StringConfig) setDefault(v *viper.Viper, key string) { v.SetDefault(key, c.Default) }
func (c *StringConfig) load(v *viper.Viper, key string)       { c.Value = v.GetString(key) }
func (c *StringConfig) useDefault()                           { c.Value = c.Default }

func (c *BoolConfig) setDefault(v *viper.Viper, key string) { v.SetDefault(key, c.Default) }
func (c *BoolConfig) load(v *viper.Viper, key string)       { c.Value = v.GetBool(key) }
func (c *BoolConfig) useDefault()                           { c.Value = c.Default }

func (c *IntConfig) setDefault(v *viper.Viper, key string) { v.SetDefault(key, c.Default) }
func (c *IntConfig) load(v *viper.Viper, key string)       { c.Value = v.GetInt64(key) }
func (c *IntConfig) useDefault()                           { c.Value = c.Default }

func (c *DurationConfig) setDefault(v *viper.Viper, key string) { v.SetDefault(key, c.Default) }
func (c *DurationConfig) load(v *viper.Viper, key string)       { c.Value = v.GetDuration(key) }
func (c *DurationConfig) useDefault()                           { c.Value = c.Default }

type entry struct {
	key string
	val configValue
}

func (c *Config) entries() []entry {
	return []entry{
		{"profile", &c.Profile},
		{"port", &c.Port},
		{"generateRoutes", &c.GenerateRoutes},

		{"config.print", &c.Config.Print},
		{"config.source", &c.Config.Source},
		{"config.spring.url", &c.Config.Spring.Url},
		{"config.spring.branch", &c.Config.Spring.Branch},
		{"config.spring.user", &c.Config.Spring.User},
		{"config.spring.pass", &c.Config.Spring.Pass},

		{"log.level", &c.Log.Level},
		{"log.structured", &c.Log.Structured},

		{"db.name", &c.Db.Name},
		{"db.host", &c.Db.Host},
		{"db.port", &c.Db.Port},
		{"db.user", &c.Db.User},
		{"db.pass", &c.Db.Pass},
		{"db.migrate", &c.Db.Migrate},
		{"db.migrations", &c.Db.Migrations},
		{"db.clean", &c.Db.Clean},
		{"db.inMemory", &c.Db.InMemory},
		{"db.pool.minSize", &c.Db.Pool.MinSize},
		{"db.pool.maxSize", &c.Db.Pool.MaxSize},

		{"rabbitmq.host", &c.RabbitMQ.Host},
		{"rabbitmq.port", &c.RabbitMQ.Port},
		{"rabbitmq.user", &c.RabbitMQ.User},
		{"rabbitmq.pass", &c.RabbitMQ.Pass},
		{"rabbitmq.mock", &c.RabbitMQ.Mock},
		{"rabbitmq.reservation.exchange", &c.RabbitMQ.Reservation.Exchange},
		{"rabbitmq.stock.exchange", &c.RabbitMQ.Stock.Exchange},
		{"rabbitmq.stockFeed.queue", &c.RabbitMQ.StockFeed.Queue},
		{"rabbitmq.stockFeed.dlt.exchange", &c.RabbitMQ.StockFeed.Dlt.Exchange},
		{"rabbitmq.release.queue", &c.RabbitMQ.Release.Queue},

		{"kafka.enabled", &c.Kafka.Enabled},
		{"kafka.brokers", &c.Kafka.Brokers},
		{"kafka.topic", &c.Kafka.Topic},

		{"redis.enabled", &c.Redis.Enabled},
		{"redis.addr", &c.Redis.Addr},
		{"redis.password", &c.Redis.Password},
		{"redis.ttl", &c.Redis.TTL},
		{"redis.prefix", &c.Redis.Prefix},

		{"reservation.ttlMinutes", &c.Reservation.TTLMinutes},
		{"reservation.sweepInterval", &c.Reservation.SweepInterval},
		{"reservation.sweepLimit", &c.Reservation.SweepLimit},
	}
}

func newConfig() *Config {
	return &Config{
		AppName:     AppName,
		AppVersion:  AppVersion,
		Sha1Version: Sha1Version,
		BuildTime:   BuildTime,
		Revision:    Revision,

		Profile:        StringConfig{Default: "local", Description: "Running profile of the application, can assist with sensible defaults or change behavior. Examples: local, dev, prod"},
		Port:           StringConfig{Default: "8080", Description: "Port that the application will bind to on startup. Examples: 8080, 3000"},
		GenerateRoutes: BoolConfig{Default: false, Description: "Write the route documentation to routes.json and routes.md on startup."},

		Config: ConfigSource{
			Print:  BoolConfig{Default: false, Description: "Print configurations on startup."},
			Source: StringConfig{Default: "local", Description: "Where the application should go for configurations. Examples: local, spring"},
			Spring: SpringConfig{
				Url:    StringConfig{Description: "The url of the Spring Cloud Config server."},
				Branch: StringConfig{Description: "The git branch to use to pull configurations from. Examples: main, master, development"},
				User:   StringConfig{Description: "User to use when connecting to the Spring Cloud Config server."},
				Pass:   StringConfig{Description: "Password to use when connecting to the Spring Cloud Config server."},
			},
		},

		Log: LogConfig{
			Level:      StringConfig{Default: "info", Description: "The lowest level that the application should log at. Examples: info, warn, error."},
			Structured: BoolConfig{Default: false, Description: "Whether the application should output structured (json) logging, or human friendly plain text."},
		},

		Db: DbConfig{
			Name:       StringConfig{Default: "reservations-db", Description: "The name of the database to connect to."},
			Host:       StringConfig{Default: "localhost", Description: "Host of the database."},
			Port:       StringConfig{Default: "5432", Description: "Port of the database."},
			User:       StringConfig{Default: "postgres", Description: "User the application will use to connect to the database."},
			Pass:       StringConfig{Default: "postgres", Description: "Password the application will use for connecting to the database."},
			Migrate:    BoolConfig{Default: true, Description: "Whether or not database migrations should be executed on startup."},
			Migrations: StringConfig{Default: "file:db/migrations", Description: "Source url of the migration files."},
			Clean:      BoolConfig{Default: false, Description: "WARNING: THIS WILL DELETE ALL DATA FROM THE DB. Used only during migration. If clean is true, all 'down' migrations are executed."},
			InMemory:   BoolConfig{Default: false, Description: "Whether or not the application should use an in memory database."},
			Pool: PoolConfig{
				MinSize: IntConfig{Default: 2, Description: "Minimum number of pooled database connections."},
				MaxSize: IntConfig{Default: 20, Description: "Maximum number of pooled database connections."},
			},
		},

		RabbitMQ: QueueConfig{
			Host: StringConfig{Default: "localhost", Description: "RabbitMQ's broker host."},
			Port: StringConfig{Default: "5672", Description: "RabbitMQ's broker host port."},
			User: StringConfig{Default: "guest", Description: "User the application will use to connect to RabbitMQ."},
			Pass: StringConfig{Default: "guest", Description: "Password the application will use to connect to RabbitMQ."},
			Mock: BoolConfig{Default: false, Description: "Whether or not the application should mock sending messages to RabbitMQ."},
			Reservation: ExchangeConfig{
				Exchange: StringConfig{Default: "reservation.exchange", Description: "RabbitMQ exchange to use for posting reservation lifecycle events."},
			},
			Stock: ExchangeConfig{
				Exchange: StringConfig{Default: "stock.exchange", Description: "RabbitMQ exchange to use for posting stock availability updates."},
			},
			StockFeed: StockFeedConfig{
				Queue: StringConfig{Default: "stock.feed.queue", Description: "Queue used for listening to stock levels pushed by the catalog."},
				Dlt: ExchangeConfig{
					Exchange: StringConfig{Default: "stock.feed.dlt.exchange", Description: "Exchange used for posting stock feed messages that could not be applied."},
				},
			},
			Release: ReleaseQueueConfig{
				Queue: StringConfig{Default: "reservation.release.queue", Description: "Queue of release requests sent by other services, for example on order cancellation."},
			},
		},

		Kafka: KafkaConfig{
			Enabled: BoolConfig{Default: false, Description: "Publish reservation and stock events to Kafka instead of RabbitMQ."},
			Brokers: StringConfig{Default: "localhost:9092", Description: "Comma separated list of Kafka brokers."},
			Topic:   StringConfig{Default: "reservation-events", Description: "Kafka topic for reservation and stock events."},
		},

		Redis: RedisConfig{
			Enabled:  BoolConfig{Default: false, Description: "Cache stock availability in Redis."},
			Addr:     StringConfig{Default: "localhost:6379", Description: "Redis address."},
			Password: StringConfig{Description: "Redis password."},
			TTL:      DurationConfig{Default: 5 * time.Second, Description: "How long cached availability may be served."},
			Prefix:   StringConfig{Default: "reservations:", Description: "Key prefix for cached entries."},
		},

		Reservation: ReservationConfig{
			TTLMinutes:    IntConfig{Default: 10, Description: "How many minutes a reservation holds stock before it expires."},
			SweepInterval: DurationConfig{Default: time.Minute, Description: "How often expired reservations are swept. Zero disables the sweeper."},
			SweepLimit:    IntConfig{Default: 100, Description: "How many stock rows are swept per batch."},
		},
	}
}
