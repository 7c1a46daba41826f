package directive

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Parameter names understood by ParseAction.
const (
	ParamReason     = "reason"
	ParamMessage    = "message"
	ParamKiosk      = "kiosk"
	ParamCredential = "credential"
	ParamURL        = "url"
	ParamVersion    = "version"
	ParamSHA256     = "sha256"
	ParamDelay      = "delay_seconds"
	ParamKeepSD     = "keep_external_storage"
)

const (
	maxMessageLength = 512
	maxRebootDelay   = 24 * time.Hour
	sha256HexLength  = 64
)

// Action is the parsed, typed form of a directive's parameters.
type Action interface {
	Type() Type
}

// Lock restricts the device until an unlock arrives.
type Lock struct {
	Reason string
	Kiosk  bool
}

// Unlock lifts a non-permanent lock. Credential, if set, must match what the
// lock screen shows.
type Unlock struct {
	Credential string
}

// Warn shows a dismissible notice.
type Warn struct {
	Message string
}

// PermanentLock locks with no unlock path short of re-provisioning.
type PermanentLock struct {
	Reason string
}

// Wipe factory-resets the device.
type Wipe struct {
	Reason              string
	KeepExternalStorage bool
}

// UpdateApp installs a new agent build.
type UpdateApp struct {
	URL     string
	Version string
	SHA256  string
}

// Reboot restarts the device after Delay.
type Reboot struct {
	Delay time.Duration
}

func (Lock) Type() Type          { return TypeLock }
func (Unlock) Type() Type        { return TypeUnlock }
func (Warn) Type() Type          { return TypeWarn }
func (PermanentLock) Type() Type { return TypePermanentLock }
func (Wipe) Type() Type          { return TypeWipe }
func (UpdateApp) Type() Type     { return TypeUpdateApp }
func (Reboot) Type() Type        { return TypeReboot }

// ParseAction converts raw parameters into the Action for typ. Unknown
// parameters are ignored; malformed ones yield ErrInvalid.
func ParseAction(typ Type, params map[string]string) (Action, error) {
	get := func(k string) string { return strings.TrimSpace(params[k]) }

	switch typ {
	case TypeLock:
		kiosk, err := parseBool(params, ParamKiosk)
		if err != nil {
			return nil, err
		}
		return Lock{Reason: get(ParamReason), Kiosk: kiosk}, nil

	case TypeUnlock:
		return Unlock{Credential: get(ParamCredential)}, nil

	case TypeWarn:
		msg := get(ParamMessage)
		if msg == "" {
			return nil, fmt.Errorf("%w: WARN requires %q", ErrInvalid, ParamMessage)
		}
		if len(msg) > maxMessageLength {
			return nil, fmt.Errorf("%w: WARN message is %d bytes (max %d)", ErrInvalid, len(msg), maxMessageLength)
		}
		return Warn{Message: msg}, nil

	case TypePermanentLock:
		return PermanentLock{Reason: get(ParamReason)}, nil

	case TypeWipe:
		keep, err := parseBool(params, ParamKeepSD)
		if err != nil {
			return nil, err
		}
		return Wipe{Reason: get(ParamReason), KeepExternalStorage: keep}, nil

	case TypeUpdateApp:
		raw := get(ParamURL)
		if raw == "" {
			return nil, fmt.Errorf("%w: UPDATE_APP requires %q", ErrInvalid, ParamURL)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return nil, fmt.Errorf("%w: UPDATE_APP url %q is not an http(s) URL", ErrInvalid, raw)
		}
		sum := strings.ToLower(get(ParamSHA256))
		if sum != "" && !isHex(sum, sha256HexLength) {
			return nil, fmt.Errorf("%w: UPDATE_APP sha256 must be %d hex characters", ErrInvalid, sha256HexLength)
		}
		return UpdateApp{URL: raw, Version: get(ParamVersion), SHA256: sum}, nil

	case TypeReboot:
		var delay time.Duration
		if s := get(ParamDelay); s != "" {
			secs, err := strconv.Atoi(s)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("%w: REBOOT %s %q", ErrInvalid, ParamDelay, s)
			}
			delay = time.Duration(secs) * time.Second
			if delay > maxRebootDelay {
				return nil, fmt.Errorf("%w: REBOOT delay %s exceeds %s", ErrInvalid, delay, maxRebootDelay)
			}
		}
		return Reboot{Delay: delay}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, typ)
	}
}

// Action parses the directive's own parameters.
func (d Directive) Action() (Action, error) {
	return ParseAction(d.Type, d.Parameters)
}

func parseBool(params map[string]string, key string) (bool, error) {
	s := strings.TrimSpace(params[key])
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s %q is not a boolean", ErrInvalid, key, s)
	}
	return b, nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
