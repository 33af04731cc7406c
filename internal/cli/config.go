package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/absfs/sealfs"
)

// Settings is the CLI configuration, read from sealfs.yaml and SEALFS_*
// environment variables
type Settings struct {
	Root          string           `mapstructure:"root"`
	Mode          string           `mapstructure:"mode"`
	Cipher        string           `mapstructure:"cipher"`
	BlockSize     int              `mapstructure:"block_size"`
	CacheSize     int              `mapstructure:"cache_size"`
	Parallel      bool             `mapstructure:"parallel"`
	KeyEnv        string           `mapstructure:"key_env"`
	PassphraseEnv string           `mapstructure:"passphrase_env"`
	LogLevel      string           `mapstructure:"log_level"`
	Identity      IdentitySettings `mapstructure:"identity"`
}

// IdentitySettings describes the identity files are sealed to. Measurement
// and signer are hex encoded 32-byte values.
type IdentitySettings struct {
	Measurement     string `mapstructure:"measurement"`
	Signer          string `mapstructure:"signer"`
	ProductID       uint16 `mapstructure:"product_id"`
	SecurityVersion uint16 `mapstructure:"security_version"`
}

// LoadConfig loads settings using v. An explicit file must exist; otherwise
// sealfs.yaml is searched for and a missing file leaves the defaults.
func LoadConfig(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("sealfs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sealfs")
		v.AddConfigPath("/etc/sealfs")
	}

	v.SetDefault("root", ".")
	v.SetDefault("mode", sealfs.ModeFull.String())
	v.SetDefault("cipher", sealfs.CipherAuto.String())
	v.SetDefault("block_size", sealfs.DefaultBlockSize)
	v.SetDefault("cache_size", sealfs.DefaultCacheSize)
	v.SetDefault("parallel", true)
	v.SetDefault("key_env", "SEALFS_DEVICE_KEY")
	v.SetDefault("passphrase_env", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("identity.measurement", "")
	v.SetDefault("identity.signer", "")
	v.SetDefault("identity.product_id", 1)
	v.SetDefault("identity.security_version", 1)

	v.SetEnvPrefix("SEALFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &s, nil
}

// ParseMode converts a mode name into a sealfs.Mode
func ParseMode(name string) (sealfs.Mode, error) {
	switch strings.ToLower(name) {
	case "full":
		return sealfs.ModeFull, nil
	case "integrity-only", "integrity":
		return sealfs.ModeIntegrityOnly, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want full or integrity-only)", name)
	}
}

func decodeHash(field, value string) ([32]byte, error) {
	var out [32]byte
	if value == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		return out, fmt.Errorf("%s: %w", field, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("%s: need %d bytes, got %d", field, len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// identity builds the sealing identity
func (s *Settings) identity() (sealfs.Identity, error) {
	var id sealfs.Identity
	var err error
	if id.Measurement, err = decodeHash("identity.measurement", s.Identity.Measurement); err != nil {
		return id, err
	}
	if id.Signer, err = decodeHash("identity.signer", s.Identity.Signer); err != nil {
		return id, err
	}
	id.ProductID = s.Identity.ProductID
	id.SecurityVersion = s.Identity.SecurityVersion
	return id, nil
}

// keyProvider selects a passphrase provider when passphrase_env is set and a
// device key provider otherwise
func (s *Settings) keyProvider() (sealfs.KeyProvider, error) {
	if s.PassphraseEnv != "" {
		pass := os.Getenv(s.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("environment variable %s not set", s.PassphraseEnv)
		}
		return sealfs.NewPasswordKeyProvider([]byte(pass), sealfs.Argon2idParams{}), nil
	}
	if s.KeyEnv == "" {
		return nil, errors.New("one of key_env or passphrase_env must be set")
	}
	return sealfs.NewEnvKeyProvider(s.KeyEnv), nil
}

// Config converts the settings into a library configuration
func (s *Settings) Config() (*sealfs.Config, error) {
	suite, err := sealfs.ParseCipherSuite(s.Cipher)
	if err != nil {
		return nil, err
	}
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	provider, err := s.keyProvider()
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)

	cfg := &sealfs.Config{
		Cipher:      suite,
		KeyProvider: provider,
		Identity:    id,
		BlockSize:   s.BlockSize,
		CacheSize:   s.CacheSize,
		Logger:      logger,
	}
	if s.Parallel {
		cfg.Parallel = sealfs.DefaultParallelConfig()
	}
	return cfg, cfg.Validate()
}
