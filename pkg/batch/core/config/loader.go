package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"

	"go.uber.org/fx"
)

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig      // EmbeddedConfig contains the raw bytes of the configuration file.
	Expander       EnvironmentExpander `optional:"true"`
	EnvFilePath    string              `name:"envFilePath" optional:"true"` // EnvFilePath is the path to the .env file, if any.
}

// loadConfig loads configuration from the embedded YAML document and environment variables.
//
// Order of precedence, lowest first: NewConfig defaults, embedded YAML (after ${VAR} expansion),
// FERRY_* environment variables.
func loadConfig(envFilePath string, embeddedConfig EmbeddedConfig, expander EnvironmentExpander) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	if expander == nil {
		expander = NewOsEnvironmentExpander()
	}
	expanded, err := expander.Expand(embeddedConfig)
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to expand environment placeholders", err, exception.KindFatal)
	}

	// Decoding over the defaults keeps every key the document does not mention.
	cfg := NewConfig()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to unmarshal embedded config", err, exception.KindFatal)
	}
	if cfg.Ferry.DatabaseConfigs == nil {
		cfg.Ferry.DatabaseConfigs = map[string]interface{}{}
	}
	if cfg.Ferry.StorageConfigs == nil {
		cfg.Ferry.StorageConfigs = map[string]interface{}{}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to load config from environment variables", err, exception.KindFatal)
	}

	applyDerivedDefaults(cfg)
	cfg.EmbeddedConfig = embeddedConfig
	return cfg, nil
}

// applyDerivedDefaults fills values that depend on other settings.
func applyDerivedDefaults(cfg *Config) {
	b := &cfg.Ferry.Batch
	if b.PoolSize <= 0 {
		b.PoolSize = b.ChunkWorkers
	}
	if cfg.Ferry.Scheduler.WorkerID == "" {
		cfg.Ferry.Scheduler.WorkerID = defaultWorkerID()
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ferry"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// NewConfigProvider is an Fx provider that loads and provides *Config.
// It also sets the global logger level and validates configured error names.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.EmbeddedConfig, params.Expander)
	if err != nil {
		return nil, err
	}

	logger.SetLogLevel(cfg.Ferry.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Ferry.System.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, exception.NewBatchError(moduleName, "invalid configuration", err, exception.KindFatal)
	}
	if err := checkErrorNames(cfg.Ferry.Batch.Retry.RetryableErrors, "batch.retry.retryable_errors"); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to validate configured error names", err, exception.KindFatal)
	}
	return cfg, nil
}

// LoadConfig loads configuration from configuration files and environment variables.
// This function is expected to be called only once during application startup.
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	cfg, err := loadConfig(envFilePath, embeddedConfig, nil)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, exception.NewBatchError(moduleName, "invalid configuration", err, exception.KindFatal)
	}
	return cfg, nil
}

// checkErrorNames validates that all error names in the provided list are registered
// in the exception registry.
func checkErrorNames(names []string, key string) error {
	for _, name := range names {
		if !exception.IsErrorTypeRegistered(name) {
			return fmt.Errorf("%s references unknown error name: '%s'. Ensure it is registered.", key, name)
		}
	}
	return nil
}

// loadStructFromEnv recursively loads configuration values into a struct from environment variables.
// It uses the "yaml" tag to determine the environment variable name, so
// ferry.batch.max_workers is overridden by FERRY_BATCH_MAX_WORKERS.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String {
			switch field.Type().Elem().Kind() {
			case reflect.Struct:
				if err := loadMapOfStructsFromEnv(field, envVarName+"_"); err != nil {
					return err
				}
			case reflect.Interface:
				loadMapOfMapsFromEnv(field, envVarName+"_")
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadMapOfStructsFromEnv loads fields of type map[string]struct{} from environment variables.
// It infers map keys and struct field names from environment variable names.
//
// Example: for a field `Databases map[string]DatabaseConfig` with prefix "DATABASES_",
// `DATABASES_JOBDB_HOST=localhost` sets Host of the element keyed "jobdb".
func loadMapOfStructsFromEnv(mapField reflect.Value, prefix string) error {
	if mapField.IsNil() {
		mapField.Set(reflect.MakeMap(mapField.Type()))
	}
	elemType := mapField.Type().Elem()

	for mapKey, fields := range collectPrefixedEnv(prefix) {
		structVal := reflect.New(elemType).Elem()
		if existing := mapField.MapIndex(reflect.ValueOf(mapKey)); existing.IsValid() {
			structVal.Set(existing)
		}
		for fieldName, value := range fields {
			if err := setStructFieldFromEnv(structVal, fieldName, value); err != nil {
				return err
			}
		}
		mapField.SetMapIndex(reflect.ValueOf(mapKey), structVal)
	}
	return nil
}

// loadMapOfMapsFromEnv overrides entries of free-form connection blocks
// (map[string]interface{} whose values are maps). `FERRY_DATABASE_METADATA_HOST=db`
// sets ferry.database.metadata.host. Values stay strings; mapstructure decodes them weakly.
func loadMapOfMapsFromEnv(mapField reflect.Value, prefix string) {
	if mapField.IsNil() {
		mapField.Set(reflect.MakeMap(mapField.Type()))
	}
	for mapKey, fields := range collectPrefixedEnv(prefix) {
		block := map[string]interface{}{}
		if existing := mapField.MapIndex(reflect.ValueOf(mapKey)); existing.IsValid() {
			if m, ok := existing.Interface().(map[string]interface{}); ok {
				for k, v := range m {
					block[k] = v
				}
			}
		}
		for fieldName, value := range fields {
			block[strings.ToLower(fieldName)] = value
		}
		mapField.SetMapIndex(reflect.ValueOf(mapKey), reflect.ValueOf(block))
	}
}

// collectPrefixedEnv groups environment variables below prefix by their first segment.
// "PREFIX_JOBDB_HOST=x" yields {"jobdb": {"HOST": "x"}}.
func collectPrefixedEnv(prefix string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyAndField := strings.SplitN(parts[0], "_", 2)
		if len(keyAndField) != 2 || keyAndField[0] == "" || keyAndField[1] == "" {
			continue
		}
		mapKey := strings.ToLower(keyAndField[0])
		if out[mapKey] == nil {
			out[mapKey] = map[string]string{}
		}
		out[mapKey][keyAndField[1]] = parts[1]
	}
	return out
}

// setStructFieldFromEnv sets the struct field whose yaml tag matches fieldName (case-insensitively).
func setStructFieldFromEnv(structVal reflect.Value, fieldName string, value string) error {
	typ := structVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		yamlTag := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		if strings.EqualFold(yamlTag, fieldName) {
			return setField(structVal.Field(i), value)
		}
	}
	return nil
}

// setField sets the value of a reflect.Value field based on its kind.
// It handles string, int, float, bool and comma separated string slices.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}
