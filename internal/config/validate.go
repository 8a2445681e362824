package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"dynbot/internal/event"
	logx "dynbot/pkg/logx"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func newValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := ParseDurationField("", fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || logx.ValidLevel(s)
	})
	_ = v.RegisterValidation("contact", func(fl validator.FieldLevel) bool {
		_, err := event.ParseContact(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("hourwindow", func(fl validator.FieldLevel) bool {
		a, b, err := ParsePair(fl.Field().String())
		return err == nil && a >= 0 && a <= 23 && b >= 0 && b <= 23
	})
	_ = v.RegisterValidation("secrange", func(fl validator.FieldLevel) bool {
		a, b, err := ParsePair(fl.Field().String())
		return err == nil && a >= 0 && b >= a
	})
	return v
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	validateOnce.Do(func() { validate = newValidator() })

	var msgs []string
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return err
		}
		for _, e := range errs {
			msg := fmt.Sprintf("%s: rule %q", strings.TrimPrefix(e.Namespace(), "Config."), e.Tag())
			if e.Param() != "" {
				msg += fmt.Sprintf(" (%s)", e.Param())
			}
			if e.Value() != nil && e.Value() != "" && !strings.Contains(strings.ToLower(e.Field()), "token") {
				msg += fmt.Sprintf(", got %v", e.Value())
			}
			msgs = append(msgs, msg)
		}
	}

	if cfg.Guardian.WarnRatio > 0 && cfg.Guardian.CriticalRatio > 0 && cfg.Guardian.WarnRatio >= cfg.Guardian.CriticalRatio {
		msgs = append(msgs, "guardian: warn_ratio must be below critical_ratio")
	}
	if cfg.Check.LowSpeed.Window != "" && cfg.Check.LowSpeed.LowRange != "" && cfg.Check.LowSpeed.NormalRange != "" {
		if _, err := cfg.Check.LowSpeed.Policy(); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if _, err := cfg.Location(); err != nil {
		msgs = append(msgs, fmt.Sprintf("timezone: %v", err))
	}
	if cfg.Logging.Alert.Enabled && len(cfg.Telegram.AdminContacts) == 0 {
		msgs = append(msgs, "logging.alert: enabled without telegram.admin_contacts")
	}

	if len(msgs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}
