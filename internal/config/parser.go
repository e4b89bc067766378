// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/fgeck/sqlrelay/internal/services/sharepoint"
	"github.com/fgeck/sqlrelay/internal/services/wol"
	"github.com/fgeck/sqlrelay/internal/services/workbook"
	"github.com/spf13/viper"
)

// Defaults applied when a key is absent.
const (
	DefaultSSHPort        = 22
	DefaultWarehousePort  = 5439
	DefaultRelationalPort = 3306
	DefaultOutputPath     = "data_output.xlsx"
	DefaultRenameTo       = "renamed_output.xlsx"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.RelayConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.RelayConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.RelayConfig, error) {
	cfg := &models.RelayConfig{}

	// Parse SSH bastion (required).
	cfg.SSH = models.SSHConfig{
		Host:          p.v.GetString("ssh.host"),
		Port:          p.v.GetInt("ssh.port"),
		Username:      p.v.GetString("ssh.username"),
		KeyPath:       p.expandEnv(p.v.GetString("ssh.key_path")),
		Passphrase:    p.expandEnv(p.v.GetString("ssh.passphrase")),
		Timeout:       p.v.GetDuration("ssh.timeout"),
		SharedSession: p.v.GetBool("ssh.shared_session"),
	}
	if key := p.expandEnv(p.v.GetString("ssh.private_key")); key != "" {
		cfg.SSH.PrivateKey = []byte(key)
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = DefaultSSHPort
	}

	// Parse optional bastion wake settings.
	if p.v.IsSet("ssh.wake") {
		cfg.SSH.Wake = &models.WakeConfig{
			MACAddress:    p.v.GetString("ssh.wake.mac_address"),
			BroadcastIP:   p.v.GetString("ssh.wake.broadcast_ip"),
			Timeout:       p.v.GetDuration("ssh.wake.timeout"),
			PollInterval:  p.v.GetDuration("ssh.wake.poll_interval"),
			StabilizeWait: p.v.GetDuration("ssh.wake.stabilize_wait"),
		}

		if cfg.SSH.Wake.BroadcastIP == "" {
			cfg.SSH.Wake.BroadcastIP = wol.DefaultBroadcastIP
		}
		if cfg.SSH.Wake.Timeout == 0 {
			cfg.SSH.Wake.Timeout = wol.DefaultTimeout
		}
		if cfg.SSH.Wake.PollInterval == 0 {
			cfg.SSH.Wake.PollInterval = wol.DefaultPollInterval
		}
	}

	// Parse database targets (required).
	cfg.Warehouse = p.parseDatabase("warehouse", models.DialectRedshift, DefaultWarehousePort)
	cfg.Relational = p.parseDatabase("relational", models.DialectMySQL, DefaultRelationalPort)

	// Parse workbook settings.
	cfg.Workbook = models.WorkbookConfig{
		InputPath:  p.expandEnv(p.v.GetString("workbook.input_path")),
		OutputPath: p.expandEnv(p.v.GetString("workbook.output_path")),
		SQLCell:    strings.ToUpper(p.v.GetString("workbook.sql_cell")),
	}
	if cfg.Workbook.OutputPath == "" {
		cfg.Workbook.OutputPath = DefaultOutputPath
	}
	if cfg.Workbook.SQLCell == "" {
		cfg.Workbook.SQLCell = workbook.DefaultSQLCell
	}

	// Parse optional SharePoint config.
	if p.v.IsSet("sharepoint") {
		cfg.SharePoint = &models.SharePointConfig{
			SiteURL:  p.v.GetString("sharepoint.site_url"),
			Username: p.expandEnv(p.v.GetString("sharepoint.username")),
			Password: p.expandEnv(p.v.GetString("sharepoint.password")),
			Folder:   p.v.GetString("sharepoint.folder"),
			RenameTo: p.v.GetString("sharepoint.rename_to"),
			STSURL:   p.v.GetString("sharepoint.sts_url"),
		}

		// An explicit empty rename_to disables the rename.
		if !p.v.IsSet("sharepoint.rename_to") {
			cfg.SharePoint.RenameTo = DefaultRenameTo
		}
		if cfg.SharePoint.STSURL == "" {
			cfg.SharePoint.STSURL = sharepoint.DefaultSTSURL
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (p *Parser) parseDatabase(key, dialect string, port int) models.DatabaseConfig {
	db := models.DatabaseConfig{
		Dialect:    strings.ToLower(p.v.GetString(key + ".dialect")),
		RemoteHost: p.v.GetString(key + ".remote_host"),
		RemotePort: p.v.GetInt(key + ".remote_port"),
		LocalPort:  p.v.GetInt(key + ".local_port"),
		Database:   p.v.GetString(key + ".database"),
		Username:   p.expandEnv(p.v.GetString(key + ".username")),
		Password:   p.expandEnv(p.v.GetString(key + ".password")),
	}

	if db.Dialect == "" {
		db.Dialect = dialect
	}
	if db.RemotePort == 0 {
		db.RemotePort = port
	}
	if !p.v.IsSet(key + ".local_port") {
		db.LocalPort = port
	}

	return db
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
//
//nolint:gocognit,gocyclo // validation requires checking many fields
func Validate(cfg *models.RelayConfig) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}

	if cfg.SSH.Host == "" {
		return errors.New("ssh.host is required")
	}
	if cfg.SSH.Username == "" {
		return errors.New("ssh.username is required")
	}
	if cfg.SSH.KeyPath == "" && len(cfg.SSH.PrivateKey) == 0 {
		return errors.New("ssh.key_path or ssh.private_key is required")
	}
	if err := validPort("ssh.port", cfg.SSH.Port, false); err != nil {
		return err
	}
	if w := cfg.SSH.Wake; w != nil {
		if _, err := net.ParseMAC(w.MACAddress); err != nil {
			return fmt.Errorf("ssh.wake.mac_address is invalid: %w", err)
		}
		if w.BroadcastIP != "" && net.ParseIP(w.BroadcastIP) == nil {
			return fmt.Errorf("ssh.wake.broadcast_ip is invalid: %q", w.BroadcastIP)
		}
	}

	if err := validateDatabase("warehouse", cfg.Warehouse); err != nil {
		return err
	}
	if err := validateDatabase("relational", cfg.Relational); err != nil {
		return err
	}
	if cfg.Warehouse.LocalPort != 0 && cfg.Warehouse.LocalPort == cfg.Relational.LocalPort {
		return fmt.Errorf("warehouse.local_port and relational.local_port must differ (both %d)", cfg.Warehouse.LocalPort)
	}

	if cfg.Workbook.InputPath == "" {
		return errors.New("workbook.input_path is required")
	}
	if cfg.Workbook.OutputPath == "" {
		return errors.New("workbook.output_path is required")
	}

	if sp := cfg.SharePoint; sp != nil {
		if sp.SiteURL == "" {
			return errors.New("sharepoint.site_url is required when sharepoint is configured")
		}
		if !strings.HasPrefix(sp.SiteURL, "https://") && !strings.HasPrefix(sp.SiteURL, "http://") {
			return fmt.Errorf("sharepoint.site_url must be an http(s) URL, got %q", sp.SiteURL)
		}
		if sp.Username == "" {
			return errors.New("sharepoint.username is required when sharepoint is configured")
		}
		if sp.Password == "" {
			return errors.New("sharepoint.password is required when sharepoint is configured")
		}
		if sp.Folder == "" {
			return errors.New("sharepoint.folder is required when sharepoint is configured")
		}
		if strings.ContainsAny(sp.RenameTo, `/\`) {
			return fmt.Errorf("sharepoint.rename_to must be a file name, got %q", sp.RenameTo)
		}
		if sp.RenameTo != "" && sp.RenameTo == filepath.Base(cfg.Workbook.OutputPath) {
			return fmt.Errorf("sharepoint.rename_to must differ from the output file name %q", sp.RenameTo)
		}
	}

	if tg := cfg.Telegram; tg != nil {
		if tg.BotToken == "" {
			return errors.New("telegram.bot_token is required when telegram is configured")
		}
		if tg.ChatID == "" {
			return errors.New("telegram.chat_id is required when telegram is configured")
		}
	}

	return nil
}

func validateDatabase(key string, db models.DatabaseConfig) error {
	switch db.Dialect {
	case models.DialectRedshift, models.DialectPostgres, models.DialectMySQL:
	default:
		return fmt.Errorf("%s.dialect must be one of: redshift, postgres, mysql", key)
	}
	if db.RemoteHost == "" {
		return fmt.Errorf("%s.remote_host is required", key)
	}
	if db.Database == "" {
		return fmt.Errorf("%s.database is required", key)
	}
	if db.Username == "" {
		return fmt.Errorf("%s.username is required", key)
	}
	if err := validPort(key+".remote_port", db.RemotePort, false); err != nil {
		return err
	}
	return validPort(key+".local_port", db.LocalPort, true)
}

func validPort(key string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", key, port)
	}
	return nil
}
