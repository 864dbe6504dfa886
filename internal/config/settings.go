package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment variable derived from a setting name.
const envPrefix = "PROTOSINK_"

// setting binds one configuration field to its flag, environment variable
// and YAML key. The flag and YAML key share the name; the environment
// variable is PROTOSINK_<NAME> with dashes turned into underscores.
type setting struct {
	name   string
	short  string
	usage  string
	hidden bool
	ptr    any
}

func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.name, "-", "_"))
}

func settings(c *Config) []setting {
	return []setting{
		{name: "plugin", short: "p", usage: "Transform module (.star, .js or .wasm; local path or s3://, gs://, az:// URL)", ptr: &c.PluginPath},
		{name: "plugin-mode", usage: "Plugin invocation mode: batch or single", ptr: &c.PluginMode},
		{name: "plugin-workers", usage: "Plugin execution contexts (0 = number of CPUs)", ptr: &c.PluginWorkers},
		{name: "transform-timeout", usage: "Wall-clock limit per plugin call", ptr: &c.TransformTimeout},
		{name: "plugin-max-steps", usage: "Starlark execution step limit per call", ptr: &c.PluginMaxSteps},
		{name: "plugin-memory-mb", usage: "WebAssembly memory limit in MiB", ptr: &c.PluginMemoryMB},
		{name: "on-transform-error", usage: "What to do when a transform reports failure: fail or skip", ptr: &c.OnTransformError},

		{name: "bootstrap-servers", short: "b", usage: "Kafka bootstrap servers", ptr: &c.Brokers},
		{name: "topic", short: "t", usage: "Kafka topic to consume", ptr: &c.Topic},
		{name: "group-id", short: "g", usage: "Kafka consumer group", ptr: &c.GroupID},
		{name: "poll-timeout", usage: "Maximum wait for a batch to fill", ptr: &c.PollTimeout},
		{name: "kafka-version", usage: "Kafka protocol version", ptr: &c.KafkaVersion},
		{name: "dead-letter", usage: "Dead-letter target for skipped messages: table or kafka:<topic>", ptr: &c.DeadLetter},

		{name: "schema-registry", short: "s", usage: "Schema registry URL", ptr: &c.SchemaRegistryURL},
		{name: "registry-username", usage: "Schema registry basic auth user", ptr: &c.RegistryUsername},
		{name: "registry-password", usage: "Schema registry basic auth password", ptr: &c.RegistryPassword},
		{name: "registry-timeout", usage: "Schema registry request timeout", ptr: &c.RegistryTimeout},
		{name: "registry-rps", usage: "Maximum schema registry requests per second", ptr: &c.RegistryRPS},
		{name: "json-names", usage: "Use Protobuf JSON field names in decoded values", ptr: &c.UseJSONNames},
		{name: "schema-cache", usage: "Shared schema cache: valkey://host:port or memcached://host:port[,host:port]", ptr: &c.SchemaCache},

		{name: "database-url", short: "d", usage: "Destination: postgres://, sqlite:// or duckdb:// URL", ptr: &c.DatabaseURL},
		{name: "postgres-url", usage: "Alias of --database-url", hidden: true, ptr: &c.DatabaseURL},
		{name: "max-open-conns", usage: "Destination connection pool size", ptr: &c.MaxOpenConns},
		{name: "statement-timeout", usage: "Timeout for each table transaction", ptr: &c.StatementTimeout},

		{name: "batch-size", usage: "Initial batch size", ptr: &c.BatchSize},
		{name: "min-batch-size", usage: "Smallest adaptive batch size", ptr: &c.MinBatchSize},
		{name: "max-batch-size", usage: "Largest adaptive batch size", ptr: &c.MaxBatchSize},
		{name: "target-batch-latency", usage: "Batch processing time the adaptive sizer aims for", ptr: &c.TargetBatchLatency},
		{name: "decode-workers", usage: "Parallel decoders (0 = number of CPUs)", ptr: &c.DecodeWorkers},
		{name: "max-retries", usage: "Retries for transient registry and write failures", ptr: &c.MaxRetries},
		{name: "retry-backoff", usage: "Initial retry backoff", ptr: &c.RetryBackoff},

		{name: "s3-endpoint", usage: "S3 endpoint for s3:// plugin modules", ptr: &c.S3Endpoint},
		{name: "s3-region", usage: "S3 region", ptr: &c.S3Region},
		{name: "s3-key-id", usage: "S3 access key id", ptr: &c.S3KeyID},
		{name: "s3-secret", usage: "S3 secret access key", ptr: &c.S3Secret},
		{name: "gcs-credentials-file", usage: "Service account file for gs:// plugin modules", ptr: &c.GCSCredentialsFile},
		{name: "azure-account-name", usage: "Azure storage account for az:// plugin modules", ptr: &c.AzureAccountName},
		{name: "azure-account-key", usage: "Azure storage account key", ptr: &c.AzureAccountKey},

		{name: "metrics-addr", usage: "Listen address for /healthz, /readyz and /metrics (empty disables)", ptr: &c.MetricsAddr},
		{name: "trace-endpoint", usage: "OTLP gRPC endpoint for traces (empty disables)", ptr: &c.TraceEndpoint},
		{name: "log-level", usage: "Log level: debug, info, warn, error", ptr: &c.LogLevel},
		{name: "log-format", usage: "Log format: auto, json or text", ptr: &c.LogFormat},
	}
}

func lookup(c *Config, name string) (setting, bool) {
	for _, s := range settings(c) {
		if s.name == name {
			return s, true
		}
	}
	return setting{}, false
}

// ApplyEnv overrides c with PROTOSINK_* environment variables.
func ApplyEnv(c *Config) error {
	for _, s := range settings(c) {
		v, ok := os.LookupEnv(s.env())
		if !ok || v == "" {
			continue
		}
		if err := assign(s.ptr, v); err != nil {
			return fmt.Errorf("%s: %w", s.env(), err)
		}
	}
	return nil
}

// LoadFile overrides c with the settings in a YAML file. Keys are the long
// flag names; unknown keys are rejected.
func LoadFile(c *Config, path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for key, v := range doc {
		s, ok := lookup(c, key)
		if !ok {
			return fmt.Errorf("config file %s: unknown setting %q", path, key)
		}
		if list, isList := v.([]any); isList {
			items := make([]string, 0, len(list))
			for _, item := range list {
				items = append(items, fmt.Sprint(item))
			}
			v = strings.Join(items, ",")
		}
		if err := assign(s.ptr, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, key, err)
		}
	}
	return nil
}

// RegisterFlags defines one flag per setting, showing defaults from def.
func RegisterFlags(fs *pflag.FlagSet, def *Config) {
	for _, s := range settings(def) {
		switch p := s.ptr.(type) {
		case *string:
			fs.StringP(s.name, s.short, *p, s.usage)
		case *int:
			fs.IntP(s.name, s.short, *p, s.usage)
		case *uint64:
			fs.Uint64P(s.name, s.short, *p, s.usage)
		case *float64:
			fs.Float64P(s.name, s.short, *p, s.usage)
		case *bool:
			fs.BoolP(s.name, s.short, *p, s.usage)
		case *time.Duration:
			fs.DurationP(s.name, s.short, *p, s.usage)
		case *[]string:
			fs.StringSliceP(s.name, s.short, *p, s.usage)
		}
		if s.hidden {
			_ = fs.MarkHidden(s.name)
		}
	}
}

// ApplyFlags overrides c with every flag explicitly set on the command line.
func ApplyFlags(c *Config, fs *pflag.FlagSet) error {
	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		s, ok := lookup(c, f.Name)
		if !ok || firstErr != nil {
			return
		}
		raw := f.Value.String()
		if sv, isSlice := f.Value.(pflag.SliceValue); isSlice {
			raw = strings.Join(sv.GetSlice(), ",")
		}
		if err := assign(s.ptr, raw); err != nil {
			firstErr = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	return firstErr
}

// Load resolves configuration with precedence flag > env > file > default.
// A .env file in the working directory is read first and never overrides
// variables already present in the environment.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := Default()
	if configFile != "" {
		if err := LoadFile(cfg, configFile); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := ApplyFlags(cfg, fs); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func assign(ptr any, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := ptr.(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*p = n
	case *uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q", raw)
		}
		*p = n
	case *float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*p = f
	case *bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*p = d
	case *[]string:
		*p = compactNonEmpty(strings.Split(raw, ","))
	default:
		return fmt.Errorf("unsupported setting type %T", ptr)
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
