package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Configuration defines the structure for storing application configuration
type Configuration struct {
	// Audio capture configuration
	SampleRate      int
	ChunkInterval   time.Duration
	MicDeviceID     string
	CaptureLoopback bool
	DeviceStateFile string

	// Transcription configuration
	STTProvider    string
	DeepgramAPIKey string
	DeepgramModel  string
	Language       string
	InterimResults bool
	Diarize        bool
	EndpointingMS  int
	SmartFormat    bool
	Punctuate      bool

	// Analysis configuration
	AnalysisURL        string
	AnalysisTimeout    time.Duration
	AnalysisCooldown   time.Duration
	AnalysisMinEntries int
	WindowCapacity     int
	MinUtteranceChars  int

	// Session control channel configuration
	ControlURL        string
	ReconnectAttempts int
	ReconnectInterval time.Duration

	// HTTP server configuration
	HTTPPort          int
	HTTPEnabled       bool
	HTTPEnableMetrics bool

	// AMQP configuration
	AMQPUrl       string
	AMQPQueueName string

	// Logging
	LogLevel logrus.Level
}

// LoadConfig loads the application configuration from environment variables.
// A missing .env file is not an error; explicit environment wins either way.
func LoadConfig(logger *logrus.Logger) (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Debug("No .env file loaded")
	}

	config := &Configuration{}

	// Audio capture
	config.SampleRate = getEnvInt("AUDIO_SAMPLE_RATE", 16000)
	config.ChunkInterval = time.Duration(getEnvInt("AUDIO_CHUNK_MS", 250)) * time.Millisecond
	config.MicDeviceID = os.Getenv("AUDIO_MIC_DEVICE")
	config.CaptureLoopback = os.Getenv("AUDIO_CAPTURE_LOOPBACK") != "false"
	config.DeviceStateFile = os.Getenv("AUDIO_DEVICE_STATE_FILE")

	// Transcription
	config.STTProvider = os.Getenv("STT_PROVIDER")
	if config.STTProvider == "" {
		logger.Warn("STT_PROVIDER not set; using 'deepgram' as default")
		config.STTProvider = "deepgram"
	}
	config.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")
	config.DeepgramModel = getEnvString("DEEPGRAM_MODEL", "nova-2")
	config.Language = getEnvString("STT_LANGUAGE", "ja")
	config.InterimResults = os.Getenv("STT_INTERIM_RESULTS") != "false"
	config.Diarize = os.Getenv("STT_DIARIZE") == "true"
	config.EndpointingMS = getEnvInt("STT_ENDPOINTING_MS", 300)
	config.SmartFormat = os.Getenv("STT_SMART_FORMAT") != "false"
	config.Punctuate = os.Getenv("STT_PUNCTUATE") != "false"

	// Analysis cadence
	config.AnalysisURL = os.Getenv("ANALYSIS_URL")
	config.AnalysisTimeout = time.Duration(getEnvInt("ANALYSIS_TIMEOUT_SECONDS", 30)) * time.Second
	config.AnalysisCooldown = time.Duration(getEnvInt("ANALYSIS_COOLDOWN_SECONDS", 10)) * time.Second
	config.AnalysisMinEntries = getEnvInt("ANALYSIS_MIN_ENTRIES", 2)
	config.WindowCapacity = getEnvInt("ANALYSIS_WINDOW_CAPACITY", 30)
	config.MinUtteranceChars = getEnvInt("ANALYSIS_MIN_UTTERANCE_CHARS", 5)

	// Control channel
	config.ControlURL = os.Getenv("CONTROL_URL")
	config.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", 3)
	config.ReconnectInterval = time.Duration(getEnvInt("RECONNECT_INTERVAL_MS", 3000)) * time.Millisecond

	// HTTP server
	config.HTTPPort = getEnvInt("HTTP_PORT", 8080)
	config.HTTPEnabled = os.Getenv("HTTP_ENABLED") != "false"
	config.HTTPEnableMetrics = os.Getenv("HTTP_ENABLE_METRICS") != "false"

	// AMQP
	config.AMQPUrl = os.Getenv("AMQP_URL")
	config.AMQPQueueName = getEnvString("AMQP_QUEUE_NAME", "kaiwa_events")
	if config.AMQPUrl == "" {
		logger.Info("AMQP_URL not set; event publishing disabled")
	}

	// Logging
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	switch logLevel {
	case "debug":
		config.LogLevel = logrus.DebugLevel
	case "warn", "warning":
		config.LogLevel = logrus.WarnLevel
	case "error":
		config.LogLevel = logrus.ErrorLevel
	case "trace":
		config.LogLevel = logrus.TraceLevel
	default:
		config.LogLevel = logrus.InfoLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for fatal inconsistencies
func (c *Configuration) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid AUDIO_SAMPLE_RATE: %d", c.SampleRate)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("invalid AUDIO_CHUNK_MS: %v", c.ChunkInterval)
	}
	if c.WindowCapacity <= 0 {
		return fmt.Errorf("invalid ANALYSIS_WINDOW_CAPACITY: %d", c.WindowCapacity)
	}
	if c.AnalysisMinEntries < 1 {
		return fmt.Errorf("invalid ANALYSIS_MIN_ENTRIES: %d", c.AnalysisMinEntries)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("invalid RECONNECT_ATTEMPTS: %d", c.ReconnectAttempts)
	}
	if c.HTTPEnabled && (c.HTTPPort <= 0 || c.HTTPPort > 65535) {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	switch c.STTProvider {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER is deepgram")
		}
	case "google", "amazon", "mock":
		// Provider-specific credentials are validated by the provider itself.
	default:
		return fmt.Errorf("unsupported STT_PROVIDER: %s", c.STTProvider)
	}
	return nil
}

// ChunkBytes returns the size in bytes of one capture chunk of s16 mono PCM
func (c *Configuration) ChunkBytes() int {
	samples := c.SampleRate * int(c.ChunkInterval/time.Millisecond) / 1000
	return samples * 2
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
