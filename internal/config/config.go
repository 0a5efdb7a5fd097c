package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config file names, looked up in the directory passed to Load.
const (
	ServerFile = "kinect_server.cfg.json"
	ClientFile = "kinect_client.cfg.json"
)

// ServerConfig holds acquisition settings of the server binary.
type ServerConfig struct {
	Name       string        `json:"name" mapstructure:"name"`
	Verbosity  int           `json:"verbosity" mapstructure:"verbosity"`
	Period     time.Duration `json:"period" mapstructure:"period"`
	Info       string        `json:"info" mapstructure:"info"`
	ImgWidth   int           `json:"imgWidth" mapstructure:"imgWidth"`
	ImgHeight  int           `json:"imgHeight" mapstructure:"imgHeight"`
	SeatedMode bool          `json:"seatedMode" mapstructure:"seatedMode"`
	Remap      bool          `json:"remap" mapstructure:"remap"`
	Device     string        `json:"device" mapstructure:"device"`
	Driver     string        `json:"driver" mapstructure:"driver"`
}

// ClientConfig holds connection settings of the client binary.
type ClientConfig struct {
	Remote      string `json:"remote" mapstructure:"remote"`
	Local       string `json:"local" mapstructure:"local"`
	Verbosity   int    `json:"verbosity" mapstructure:"verbosity"`
	SnapshotDir string `json:"snapshotDir" mapstructure:"snapshotDir"`
}

// TransportConfig selects and configures the carrier.
type TransportConfig struct {
	Carrier   string `json:"carrier" mapstructure:"carrier"`
	Listen    string `json:"listen" mapstructure:"listen"`
	ServerURL string `json:"serverUrl" mapstructure:"serverUrl"`
	Broker    string `json:"broker" mapstructure:"broker"`
}

// OTelConfig holds OpenTelemetry log export settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// RecorderConfig holds skeleton recording settings.
type RecorderConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	Type          string        `json:"type" mapstructure:"type"`
	Path          string        `json:"path" mapstructure:"path"`
	DSN           string        `json:"dsn" mapstructure:"dsn"`
	BatchSize     int           `json:"batchSize" mapstructure:"batchSize"`
	QueueSize     int           `json:"queueSize" mapstructure:"queueSize"`
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval"`
}

// InfluxConfig holds tick metrics sink settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "")
	viper.SetDefault("logsDir", "./kinectlogs")

	viper.SetDefault("name", "kinectServer")
	viper.SetDefault("verbosity", 0)
	viper.SetDefault("period", 20)
	viper.SetDefault("info", "all_info")
	viper.SetDefault("imgWidth", 320)
	viper.SetDefault("imgHeight", 240)
	viper.SetDefault("seatedMode", false)
	viper.SetDefault("remap", false)
	viper.SetDefault("device", "kinect")
	viper.SetDefault("driver", "sdk")

	viper.SetDefault("remote", "")
	viper.SetDefault("local", "")
	viper.SetDefault("snapshotDir", "")

	viper.SetDefault("transport.carrier", "ws")
	viper.SetDefault("transport.listen", ":10000")
	viper.SetDefault("transport.serverUrl", "ws://localhost:10000")
	viper.SetDefault("transport.broker", "tcp://localhost:1883")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "kinect-server")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("recorder.enabled", false)
	viper.SetDefault("recorder.type", "sqlite")
	viper.SetDefault("recorder.path", "./skeletons.db")
	viper.SetDefault("recorder.dsn", "")
	viper.SetDefault("recorder.batchSize", 64)
	viper.SetDefault("recorder.queueSize", 1024)
	viper.SetDefault("recorder.flushInterval", "1s")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "kinect-metrics")
	viper.SetDefault("influx.bucket", "acquisition")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
}

// Load reads the named JSON config file from configDir and sets default
// values. A missing file is an error.
func Load(configDir, file string) error {
	setDefaults()

	viper.SetConfigFile(filepath.Join(configDir, file))
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}
	return nil
}

// ApplyFlags overrides config values with the flags set on the command
// line. Flag names are config keys; unset flags leave the config alone.
func ApplyFlags(fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		viper.Set(f.Name, f.Value.String())
	})
}

// LoadDefaults sets default values without reading any file.
func LoadDefaults() {
	setDefaults()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetServerConfig returns the acquisition settings. period is configured in
// milliseconds.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Name:       viper.GetString("name"),
		Verbosity:  viper.GetInt("verbosity"),
		Period:     time.Duration(viper.GetInt("period")) * time.Millisecond,
		Info:       viper.GetString("info"),
		ImgWidth:   viper.GetInt("imgWidth"),
		ImgHeight:  viper.GetInt("imgHeight"),
		SeatedMode: viper.GetBool("seatedMode"),
		Remap:      viper.GetBool("remap"),
		Device:     strings.ToLower(viper.GetString("device")),
		Driver:     strings.ToLower(viper.GetString("driver")),
	}
}

// GetClientConfig returns the client connection settings.
func GetClientConfig() ClientConfig {
	return ClientConfig{
		Remote:      viper.GetString("remote"),
		Local:       viper.GetString("local"),
		Verbosity:   viper.GetInt("verbosity"),
		SnapshotDir: viper.GetString("snapshotDir"),
	}
}

// GetTransportConfig returns the carrier settings.
func GetTransportConfig() TransportConfig {
	return TransportConfig{
		Carrier:   strings.ToLower(viper.GetString("transport.carrier")),
		Listen:    viper.GetString("transport.listen"),
		ServerURL: viper.GetString("transport.serverUrl"),
		Broker:    viper.GetString("transport.broker"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetRecorderConfig returns the skeleton recorder configuration.
func GetRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Enabled:       viper.GetBool("recorder.enabled"),
		Type:          viper.GetString("recorder.type"),
		Path:          viper.GetString("recorder.path"),
		DSN:           viper.GetString("recorder.dsn"),
		BatchSize:     viper.GetInt("recorder.batchSize"),
		QueueSize:     viper.GetInt("recorder.queueSize"),
		FlushInterval: viper.GetDuration("recorder.flushInterval"),
	}
}

// GetInfluxConfig returns the tick metrics sink configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetGraylogConfig returns the GELF shipping configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
