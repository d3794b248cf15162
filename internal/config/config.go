package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL    string
	LogLevel       string
	Debug          bool
	ServiceName    string
	Environment    string
	Hostname       string
	ServerPort     string
	AllowedOrigins []string

	GeminiAPIKeys []string

	// TTL cache tuning for message buffers, conversation contexts and
	// per-conversation processing locks.
	BufferTTL        time.Duration
	ContextTTL       time.Duration
	LockTTL          time.Duration
	LockMaxWait      time.Duration
	LockPollInterval time.Duration

	// Fallback verify token for the Meta webhook handshake when a tenant
	// does not carry its own.
	VerifyToken string

	// Outbound email (supervisor escalation).
	SMTPServer    string
	SMTPPort      int
	SenderEmail   string
	EmailPassword string

	BatchSize      int
	BlockedNumbers []string
}

func LoadConfig() (*Config, error) {
	databaseUrl := os.Getenv("DATABASE_URL")
	if databaseUrl == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	debug := os.Getenv("DEBUG")
	if debug == "" {
		debug = "false"
	}

	serviceName := os.Getenv("SERVICE_NAME")
	if serviceName == "" {
		serviceName = "wa-orchestrator"
	}

	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		hostname = "wa-orchestrator"
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	allowedOrigins := []string{"*"}
	if ao := os.Getenv("ALLOWED_ORIGINS"); ao != "" {
		allowedOrigins = splitCSV(ao)
	}

	geminiAPIKeys := splitCSV(os.Getenv("GEMINI_API_KEYS"))

	verifyToken := os.Getenv("WEBHOOK_VERIFY_TOKEN")

	smtpServer := os.Getenv("SMTP_SERVER")
	if smtpServer == "" {
		smtpServer = "smtp.gmail.com"
	}
	smtpPort := envInt("SMTP_PORT", 587)
	senderEmail := os.Getenv("SENDER_EMAIL")
	emailPassword := os.Getenv("EMAIL_PASSWORD")

	batchSize := envInt("BATCH_SIZE", 100)

	blockedNumbers := splitCSV(os.Getenv("BLOCKED_NUMBERS"))

	return &Config{
		DatabaseURL:      databaseUrl,
		LogLevel:         logLevel,
		Debug:            debug == "true",
		ServiceName:      serviceName,
		Hostname:         hostname,
		Environment:      environment,
		ServerPort:       serverPort,
		AllowedOrigins:   allowedOrigins,
		GeminiAPIKeys:    geminiAPIKeys,
		BufferTTL:        envSeconds("BUFFER_TTL_SECONDS", 3600),
		ContextTTL:       envSeconds("CONTEXT_TTL_SECONDS", 3600),
		LockTTL:          envSeconds("LOCK_TTL_SECONDS", 300),
		LockMaxWait:      envSeconds("LOCK_MAX_WAIT_SECONDS", 30),
		LockPollInterval: envSeconds("LOCK_POLL_INTERVAL_SECONDS", 1),
		VerifyToken:      verifyToken,
		SMTPServer:       smtpServer,
		SMTPPort:         smtpPort,
		SenderEmail:      senderEmail,
		EmailPassword:    emailPassword,
		BatchSize:        batchSize,
		BlockedNumbers:   blockedNumbers,
	}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
