// common/configloader/configloader.go
package configloader

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options описывает источники конфигурации одного сервиса.
type Options struct {
	// Path: YAML/JSON файл; пустая строка → только defaults + ENV + flags.
	Path string
	// EnvPrefix: префикс ENV переменных, например "GATEWAY".
	EnvPrefix string
	// DotEnv: файлы .env, подгружаемые до чтения ENV (отсутствующие пропускаются).
	DotEnv []string
	// Defaults: значения по умолчанию (ключи через точку).
	Defaults Defaults
	// Flags: флаги CLI; применяются только явно заданные.
	Flags *pflag.FlagSet
}

// Load загружает конфиг в cfgPtr: defaults → .env → ENV → файл → flags,
// затем вызывает Validate(), если cfgPtr его реализует.
func Load(opts Options, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: defaults
	for key, val := range opts.Defaults {
		v.SetDefault(key, val)
	}

	// Шаг 2: .env (не перетирает уже выставленные переменные окружения)
	if err := loadDotEnv(opts.DotEnv); err != nil {
		return err
	}

	// Шаг 3: environment override
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Шаг 4: read file (if provided)
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", opts.Path, err)
		}
	}

	// Шаг 5: flags
	if opts.Flags != nil {
		if err := bindChangedFlags(v, opts.Flags); err != nil {
			return fmt.Errorf("configloader: bind flags: %w", err)
		}
	}

	// Шаг 6: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 7: validate if possible
	if vv, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := vv.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}
	return nil
}

func loadDotEnv(files []string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if isNotExist(err) {
				continue
			}
			return fmt.Errorf("configloader: load %s: %w", f, err)
		}
	}
	return nil
}

// bindChangedFlags переносит в viper только флаги, заданные пользователем.
// Имя флага "ws-port" соответствует ключу "ws.port".
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", ".")
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}
