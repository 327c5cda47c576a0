package oanda

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	practiceURL = "https://api-fxpractice.oanda.com"
	liveURL     = "https://api-fxtrade.oanda.com"
)

// ErrLiveNotAllowed is returned when the live environment is selected
// without AllowLive.
var ErrLiveNotAllowed = errors.New("oanda: live trading not allowed")

type Config struct {
	Token       string
	AccountID   string
	Environment string // practice | live
	BaseURL     string // overrides Environment when set
	Timeout     time.Duration
	AllowLive   bool
}

func (c Config) Validate() error {
	if c.Token == "" {
		return errors.New("oanda: missing token")
	}
	if c.AccountID == "" {
		return errors.New("oanda: missing account id")
	}
	if c.BaseURL != "" {
		return nil
	}
	_, err := BaseURL(c.Environment, c.AllowLive)
	return err
}

func BaseURL(env string, allowLive bool) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo", "":
		return practiceURL, nil
	case "live":
		if !allowLive {
			return "", ErrLiveNotAllowed
		}
		return liveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}
