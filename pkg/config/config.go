// Package config loads the process environment into a single immutable
// Config struct at startup, with the safe defaults named in the
// environment reference.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the agent reads from its environment.
type Config struct {
	Region string

	APIURL      string
	APIUsername string
	APIPassword string

	SMTPHost       string
	SMTPSender     string
	SMTPUsername   string
	SMTPPassword   string
	OperatorEmails []string

	RouterManagementIP    string
	RouterInterfaceNames  []string
	PodNetCPEAddress      string

	StoragePathKVM    string
	StoragePathHyperV string
	NetworkDrivePath  string

	SSHAuthLine string

	LogShipperEndpoint string
	CacheDBPath        string

	MetricsListenAddr string

	VirtualRoutersEnabled bool

	SSHKeyPath      string
	WinRMUsername   string
	WinRMPassword   string

	PollInterval       time.Duration
	SSHConnectTimeout  time.Duration
	SMTPSendTimeout    time.Duration
	DailySweepMaxAge   time.Duration
}

// Load reads Config from the process environment, applying the safe
// defaults used in development when a variable is unset.
func Load() (Config, error) {
	cfg := Config{
		Region:               getenv("ROBOT_REGION", "default"),
		APIURL:               getenv("ROBOT_API_URL", "https://api.cloudcix.com/"),
		APIUsername:          getenv("ROBOT_API_USERNAME", ""),
		APIPassword:          getenv("ROBOT_API_PASSWORD", ""),
		SMTPHost:             getenv("ROBOT_SMTP_HOST", "localhost:587"),
		SMTPSender:           getenv("ROBOT_SMTP_SENDER", "robot@cloudcix.com"),
		SMTPUsername:         getenv("ROBOT_SMTP_USERNAME", ""),
		SMTPPassword:         getenv("ROBOT_SMTP_PASSWORD", ""),
		OperatorEmails:       splitCSV(getenv("ROBOT_OPERATOR_EMAILS", "")),
		RouterManagementIP:   getenv("ROBOT_ROUTER_MGMT_IP", ""),
		RouterInterfaceNames: splitCSV(getenv("ROBOT_ROUTER_INTERFACE_NAMES", "eth0,eth1")),
		PodNetCPEAddress:     getenv("ROBOT_PODNET_CPE_ADDRESS", ""),
		StoragePathKVM:       getenv("ROBOT_KVM_STORAGE_PATH", "/var/lib/libvirt/images"),
		StoragePathHyperV:    getenv("ROBOT_HYPERV_STORAGE_PATH", `C:\VMs`),
		NetworkDrivePath:     getenv("ROBOT_NETWORK_DRIVE_PATH", "/mnt/robot-share"),
		SSHAuthLine:          getenv("ROBOT_KICKSTART_AUTH_LINE", "auth --useshadow --passalgo=sha512"),
		LogShipperEndpoint:   getenv("ROBOT_LOG_SHIPPER_ENDPOINT", ""),
		CacheDBPath:          getenv("ROBOT_CACHE_DB_PATH", "/var/lib/robot/cache.db"),
		MetricsListenAddr:    getenv("ROBOT_METRICS_ADDR", ":9090"),
		SSHKeyPath:           getenv("ROBOT_SSH_KEY_PATH", "/etc/robot/id_rsa"),
		WinRMUsername:        getenv("ROBOT_WINRM_USERNAME", "administrator"),
		WinRMPassword:        getenv("ROBOT_NETWORK_PASSWORD", ""),
		PollInterval:         15 * time.Second,
		SSHConnectTimeout:    30 * time.Second,
		SMTPSendTimeout:      10 * time.Second,
	}

	enabled, err := getbool("ROBOT_VIRTUAL_ROUTERS_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	cfg.VirtualRoutersEnabled = enabled

	maxAgeDays, err := getint("ROBOT_DAILY_SWEEP_MAX_AGE_DAYS", 7)
	if err != nil {
		return Config{}, err
	}
	cfg.DailySweepMaxAge = time.Duration(maxAgeDays) * 24 * time.Hour

	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getbool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getint(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}
