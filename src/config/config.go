package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

const (
	// EnvFileEnvVar names an alternative .env file when none sits next to the executable.
	EnvFileEnvVar = "SCREENSHOTD_ENV"

	DefaultSubdir          = "ImageOCR"
	DefaultElevate         = "su 0"
	DefaultScreencap       = "/system/bin/screencap"
	DefaultVersionCommand  = "getprop ro.build.version.sdk"
	DefaultSettingsCommand = "settings get secure enabled_accessibility_services"
	DefaultService         = "screenshotd/ScreenshotService"
	DefaultMediaScan       = "am broadcast -a android.intent.action.MEDIA_SCANNER_SCAN_FILE -d"
	DefaultHTTPAddr        = "127.0.0.1:49680"
	DefaultPortStart       = 49600
	DefaultPortEnd         = 49650
	DefaultMinVersion      = 28
)

type LoadOptions struct {
	PicturesRootOverride string
	PortStartOverride    int
	PortEndOverride      int
}

type Config struct {
	PicturesRoot   string
	PicturesSubdir string

	SettleDelay       time.Duration
	ProbeTimeout      time.Duration
	PrivilegedTimeout time.Duration
	CaptureTimeout    time.Duration
	DeliveryTimeout   time.Duration

	ElevateCommand         []string
	ScreencapPath          string
	PlatformVersion        int
	PlatformVersionCommand []string
	MinAccessibility       int
	AccessibilityService   string
	AccessibilityFile      string
	AccessibilityCommand   []string

	MediaScanCommand []string
	MediaIndexDBus   bool
	Notifications    bool

	PortStart int
	PortEnd   int
	HTTPAddr  string
	Hotkey    string

	EnableFileLogging bool
	LogLevel          string
	LogFormat         string
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Sources in priority order:
	// 1) .env in the application (executable) directory
	// 2) otherwise the file named by SCREENSHOTD_ENV
	// Process environment wins over both.
	if envPath := resolveEnvPath(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	cfg := &Config{
		PicturesRoot:   getEnvWithDefault("PICTURES_ROOT", defaultPicturesRoot()),
		PicturesSubdir: getEnvWithDefault("PICTURES_SUBDIR", DefaultSubdir),

		SettleDelay:       time.Duration(getEnvInt("SETTLE_DELAY_MS", 200, 0)) * time.Millisecond,
		ProbeTimeout:      time.Duration(getEnvInt("PROBE_TIMEOUT_MS", 3000, 1)) * time.Millisecond,
		PrivilegedTimeout: time.Duration(getEnvInt("PRIVILEGED_TIMEOUT_SEC", 10, 1)) * time.Second,
		CaptureTimeout:    time.Duration(getEnvInt("CAPTURE_TIMEOUT_SEC", 10, 1)) * time.Second,
		DeliveryTimeout:   time.Duration(getEnvInt("DELIVERY_TIMEOUT_MS", 3000, 1)) * time.Millisecond,

		ElevateCommand:         strings.Fields(getEnvWithDefault("ELEVATE_COMMAND", DefaultElevate)),
		ScreencapPath:          getEnvWithDefault("SCREENCAP_PATH", DefaultScreencap),
		PlatformVersion:        getEnvInt("PLATFORM_VERSION", 0, 0),
		PlatformVersionCommand: strings.Fields(getEnvWithDefault("PLATFORM_VERSION_COMMAND", DefaultVersionCommand)),
		MinAccessibility:       getEnvInt("MIN_ACCESSIBILITY_VERSION", DefaultMinVersion, 1),
		AccessibilityService:   getEnvWithDefault("ACCESSIBILITY_SERVICE", DefaultService),
		AccessibilityFile:      os.Getenv("ACCESSIBILITY_SETTINGS_FILE"),
		AccessibilityCommand:   strings.Fields(getEnvWithDefault("ACCESSIBILITY_SETTINGS_COMMAND", DefaultSettingsCommand)),

		MediaScanCommand: strings.Fields(getEnvWithDefault("MEDIA_SCAN_COMMAND", DefaultMediaScan)),
		MediaIndexDBus:   getEnvBool("MEDIA_INDEX_DBUS", true),
		Notifications:    getEnvBool("NOTIFICATIONS", true),

		PortStart: getEnvInt("CAPTURE_PORT_START", DefaultPortStart, 1),
		PortEnd:   getEnvInt("CAPTURE_PORT_END", DefaultPortEnd, 1),
		HTTPAddr:  getEnvWithDefault("HTTP_ADDR", DefaultHTTPAddr),
		Hotkey:    os.Getenv("HOTKEY"),

		EnableFileLogging: getEnvBool("ENABLE_FILE_LOGGING", false),
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvWithDefault("LOG_FORMAT", "text"),
	}

	// HTTP_ADDR= (set but empty) disables the HTTP listener.
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && strings.TrimSpace(v) == "" {
		cfg.HTTPAddr = ""
	}

	if root := strings.TrimSpace(opts.PicturesRootOverride); root != "" {
		cfg.PicturesRoot = root
	}
	if opts.PortStartOverride > 0 {
		cfg.PortStart = opts.PortStartOverride
	}
	if opts.PortEndOverride > 0 {
		cfg.PortEnd = opts.PortEndOverride
	}

	return cfg, nil
}

// ScreenshotDir is where captures are stored.
func (c *Config) ScreenshotDir() string {
	return filepath.Join(c.PicturesRoot, c.PicturesSubdir)
}

func defaultPicturesRoot() string {
	if xdg.UserDirs.Pictures != "" {
		return xdg.UserDirs.Pictures
	}
	return filepath.Join(xdg.Home, "Pictures")
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}

	if alt := os.Getenv(EnvFileEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt falls back to def when the value is missing, malformed or below min.
func getEnvInt(key string, def, min int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}
