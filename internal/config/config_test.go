package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, file, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, ServerFile, `{
		"name": "lab",
		"period": 33,
		"info": "depth_joints",
		"transport": { "carrier": "mqtt", "broker": "tcp://10.0.0.1:1883" }
	}`)
	require.NoError(t, Load(dir, ServerFile))

	assert.Equal(t, "lab", viper.GetString("name"))
	assert.Equal(t, 33, viper.GetInt("period"))
	assert.Equal(t, "depth_joints", viper.GetString("info"))
	assert.Equal(t, "mqtt", viper.GetString("transport.carrier"))
	assert.Equal(t, "tcp://10.0.0.1:1883", viper.GetString("transport.broker"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path", ServerFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetServerConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, ServerFile, `{}`)
	require.NoError(t, Load(dir, ServerFile))

	cfg := GetServerConfig()
	assert.Equal(t, "kinectServer", cfg.Name)
	assert.Equal(t, 0, cfg.Verbosity)
	assert.Equal(t, 20*time.Millisecond, cfg.Period)
	assert.Equal(t, "all_info", cfg.Info)
	assert.Equal(t, 320, cfg.ImgWidth)
	assert.Equal(t, 240, cfg.ImgHeight)
	assert.False(t, cfg.SeatedMode)
	assert.False(t, cfg.Remap)
	assert.Equal(t, "kinect", cfg.Device)
	assert.Equal(t, "sdk", cfg.Driver)
}

func TestGetServerConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, ServerFile, `{
		"verbosity": 2,
		"imgWidth": 640,
		"imgHeight": 480,
		"seatedMode": true,
		"remap": true,
		"device": "Xtion",
		"driver": "OpenNI"
	}`)
	require.NoError(t, Load(dir, ServerFile))

	cfg := GetServerConfig()
	assert.Equal(t, 2, cfg.Verbosity)
	assert.Equal(t, 640, cfg.ImgWidth)
	assert.Equal(t, 480, cfg.ImgHeight)
	assert.True(t, cfg.SeatedMode)
	assert.True(t, cfg.Remap)
	assert.Equal(t, "xtion", cfg.Device)
	assert.Equal(t, "openni", cfg.Driver)
}

func TestGetClientConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, ClientFile, `{ "remote": "kinectServer", "local": "viewer" }`)
	require.NoError(t, Load(dir, ClientFile))

	cfg := GetClientConfig()
	assert.Equal(t, "kinectServer", cfg.Remote)
	assert.Equal(t, "viewer", cfg.Local)

	tc := GetTransportConfig()
	assert.Equal(t, "ws", tc.Carrier)
	assert.Equal(t, "ws://localhost:10000", tc.ServerURL)
}

func TestGetTransportConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	LoadDefaults()

	tc := GetTransportConfig()
	assert.Equal(t, "ws", tc.Carrier)
	assert.Equal(t, ":10000", tc.Listen)
	assert.Equal(t, "tcp://localhost:1883", tc.Broker)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, ServerFile, `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4317",
			"insecure": false
		}
	}`)
	require.NoError(t, Load(dir, ServerFile))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4317", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetRecorderAndInfluxConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	LoadDefaults()

	rc := GetRecorderConfig()
	assert.False(t, rc.Enabled)
	assert.Equal(t, "sqlite", rc.Type)
	assert.Equal(t, 64, rc.BatchSize)
	assert.Equal(t, 1024, rc.QueueSize)
	assert.Equal(t, time.Second, rc.FlushInterval)

	ic := GetInfluxConfig()
	assert.False(t, ic.Enabled)
	assert.Equal(t, "kinect-metrics", ic.Org)
	assert.Equal(t, "acquisition", ic.Bucket)

	gc := GetGraylogConfig()
	assert.False(t, gc.Enabled)
	assert.Equal(t, "localhost:12201", gc.Address)
}

func TestGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	viper.Set("testInt", 42)
	viper.Set("testBool", true)

	assert.Equal(t, "testValue", GetString("testKey"))
	assert.Equal(t, 42, GetInt("testInt"))
	assert.Equal(t, true, GetBool("testBool"))
}

func TestApplyFlags_OnlySetFlags(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := writeConfig(t, ServerFile, `{"name": "lab", "period": 33, "info": "depth"}`)
	require.NoError(t, Load(dir, ServerFile))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", ".", "")
	fs.String("name", "", "")
	fs.Int("period", 0, "")
	fs.Bool("seatedMode", false, "")
	require.NoError(t, fs.Parse([]string{"--config", "/etc", "--period", "50", "--seatedMode"}))

	ApplyFlags(fs)

	cfg := GetServerConfig()
	assert.Equal(t, "lab", cfg.Name, "unset flag keeps the file value")
	assert.Equal(t, 50*time.Millisecond, cfg.Period)
	assert.True(t, cfg.SeatedMode)
	assert.Equal(t, "depth", cfg.Info)
	assert.False(t, viper.IsSet("config"))
}
