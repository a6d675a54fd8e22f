// Package uri parses MongoDB connection strings into a validated, immutable
// Settings record. Nothing here talks to the network; Parse is pure.
package uri

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthMechanism enumerates the authentication mechanisms this driver speaks.
type AuthMechanism int

const (
	AuthNone AuthMechanism = iota
	AuthScramSHA1
	AuthMongoDBCR
	AuthMongoDBX509
)

func (m AuthMechanism) String() string {
	switch m {
	case AuthScramSHA1:
		return "SCRAM-SHA-1"
	case AuthMongoDBCR:
		return "MONGODB-CR"
	case AuthMongoDBX509:
		return "MONGODB-X509"
	default:
		return "none"
	}
}

// Host is one entry of the seed list.
type Host struct {
	Name string
	Port uint16
}

func (h Host) String() string {
	return fmt.Sprintf("%s:%d", h.Name, h.Port)
}

const defaultPort uint16 = 27017
const defaultConnectTimeout = 10 * time.Second

// Settings is the immutable, validated result of parsing a connection
// string. It is never mutated after Parse returns.
type Settings struct {
	Hosts []Host

	Username string
	// Digest is lowercase(hex(MD5(user ":mongo:" password))); the cleartext
	// password itself is never retained.
	Digest string

	Database   string
	AuthSource string
	// AuthMechanism stays AuthNone unless the URI forces one explicitly
	// via authMechanism=...; the PEM/X509-vs-SCRAM-vs-CR default depends
	// on the server's wire version, so that decision is deferred to
	// internal/conn's resolveMechanism, which runs after the handshake.
	AuthMechanism           AuthMechanism
	AuthMechanismRaw        string // raw properties string, stored but not acted upon
	AuthMechanismProperties []string

	MaxConnections int

	Safe        bool
	W           interface{} // int64 or "majority" string; nil if unset
	WTimeoutMS  int
	Journal     bool
	FSync       bool

	ConnectTimeout time.Duration
	SocketTimeout  time.Duration

	SSL                  bool
	SSLVerifyCertificate bool
	SSLPEMKeyFile        string
	SSLCAFile            string

	AppName     string
	ReplicaSet  string // recorded, never acted upon (Non-goal: topology discovery)
}

// ResolvedAuthSource implements the authSource -> database -> "admin"
// fallback order.
func (s Settings) ResolvedAuthSource() string {
	if s.AuthSource != "" {
		return s.AuthSource
	}
	if s.Database != "" {
		return s.Database
	}
	return "admin"
}

// String renders a redacted summary: never the digest, never a password.
func (s Settings) String() string {
	hosts := make([]string, len(s.Hosts))
	for i, h := range s.Hosts {
		hosts[i] = h.String()
	}
	user := s.Username
	if user != "" {
		user += "@"
	}
	return fmt.Sprintf("mongodb://%s%s/%s", user, strings.Join(hosts, ","), s.Database)
}

// MakeDigest computes the MD5-based credential digest used by SCRAM-SHA-1
// and MONGODB-CR: lowercase(hex(MD5("<user>:mongo:<password>"))).
func MakeDigest(user, password string) string {
	sum := md5.Sum([]byte(user + ":mongo:" + password))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}

// Parse parses a MongoDB connection string. On any syntactic error it
// returns a non-nil error and the returned Settings must not be used.
func Parse(raw string) (Settings, error) {
	const schemePrefix = "mongodb://"
	if !strings.HasPrefix(raw, schemePrefix) {
		return Settings{}, fmt.Errorf("uri: missing %q prefix", schemePrefix)
	}
	rest := raw[len(schemePrefix):]

	settings := Settings{
		MaxConnections:       100,
		ConnectTimeout:       defaultConnectTimeout,
		SSLVerifyCertificate: true,
	}

	// Split off options (after the first unescaped '?').
	var hostsAndAuthPart, optionsPart string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		hostsAndAuthPart = rest[:idx]
		optionsPart = rest[idx+1:]
	} else {
		hostsAndAuthPart = rest
	}

	// Split off the database path (after the first unescaped '/').
	var credsAndHosts, dbPart string
	if idx := strings.IndexByte(hostsAndAuthPart, '/'); idx >= 0 {
		credsAndHosts = hostsAndAuthPart[:idx]
		dbPart = hostsAndAuthPart[idx+1:]
	} else {
		credsAndHosts = hostsAndAuthPart
	}
	settings.Database = dbPart

	// Split off user:pass@ credentials.
	var hostsPart string
	if idx := strings.LastIndexByte(credsAndHosts, '@'); idx >= 0 {
		credPart := credsAndHosts[:idx]
		hostsPart = credsAndHosts[idx+1:]

		var user, pass string
		hasPass := false
		if cidx := strings.IndexByte(credPart, ':'); cidx >= 0 {
			user = credPart[:cidx]
			pass = credPart[cidx+1:]
			hasPass = true
		} else {
			user = credPart
		}

		if user == "" {
			return Settings{}, fmt.Errorf("uri: empty username before '@'")
		}

		unescapedUser, err := url.QueryUnescape(user)
		if err != nil {
			return Settings{}, fmt.Errorf("uri: invalid username encoding: %w", err)
		}
		settings.Username = unescapedUser

		if hasPass {
			unescapedPass, err := url.QueryUnescape(pass)
			if err != nil {
				return Settings{}, fmt.Errorf("uri: invalid password encoding: %w", err)
			}
			settings.Digest = MakeDigest(unescapedUser, unescapedPass)
		}
	} else {
		hostsPart = credsAndHosts
	}

	if hostsPart == "" {
		return Settings{}, fmt.Errorf("uri: no hosts specified")
	}

	for _, hostSpec := range strings.Split(hostsPart, ",") {
		if hostSpec == "" {
			continue
		}
		h, err := parseHost(hostSpec)
		if err != nil {
			return Settings{}, err
		}
		settings.Hosts = append(settings.Hosts, h)
	}
	if len(settings.Hosts) == 0 {
		return Settings{}, fmt.Errorf("uri: no hosts specified")
	}

	if optionsPart != "" {
		if err := applyOptions(&settings, optionsPart); err != nil {
			return Settings{}, err
		}
	}

	// Invariant: if any write-concern knob beyond default is set, safe
	// mode is forced on.
	if settings.W != nil || settings.WTimeoutMS != 0 || settings.Journal || settings.FSync {
		settings.Safe = true
	}

	return settings, nil
}

func parseHost(spec string) (Host, error) {
	name := spec
	port := defaultPort
	if idx := strings.LastIndexByte(spec, ':'); idx >= 0 {
		name = spec[:idx]
		portStr := spec[idx+1:]
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Host{}, fmt.Errorf("uri: invalid port %q: %w", portStr, err)
		}
		port = uint16(p)
	}
	if name == "" {
		return Host{}, fmt.Errorf("uri: empty host name")
	}
	return Host{Name: name, Port: port}, nil
}

func applyOptions(s *Settings, optionsPart string) error {
	// Options may be separated by '&' or ';'.
	pairs := strings.FieldsFunc(optionsPart, func(r rune) bool {
		return r == '&' || r == ';'
	})

	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = strings.ToLower(key)
		value, err := url.QueryUnescape(value)
		if err != nil {
			return fmt.Errorf("uri: invalid option value encoding for %q: %w", key, err)
		}

		switch key {
		case "appname":
			if len(value) > 128 {
				value = value[:128]
			}
			s.AppName = value
		case "replicaset":
			s.ReplicaSet = value
		case "safe":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("uri: invalid boolean for safe=%q: %w", value, err)
			}
			s.Safe = b
		case "fsync":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("uri: invalid boolean for fsync=%q: %w", value, err)
			}
			s.FSync = b
		case "journal":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("uri: invalid boolean for journal=%q: %w", value, err)
			}
			s.Journal = b
		case "connecttimeoutms":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("uri: invalid integer for connectTimeoutMS=%q: %w", value, err)
			}
			s.ConnectTimeout = time.Duration(ms) * time.Millisecond
		case "sockettimeoutms":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("uri: invalid integer for socketTimeoutMS=%q: %w", value, err)
			}
			s.SocketTimeout = time.Duration(ms) * time.Millisecond
		case "ssl", "tls":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("uri: invalid boolean for %s=%q: %w", key, value, err)
			}
			s.SSL = b
		case "sslverifycertificate":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("uri: invalid boolean for sslVerifyCertificate=%q: %w", value, err)
			}
			s.SSLVerifyCertificate = b
		case "sslpemkeyfile":
			s.SSLPEMKeyFile = value
		case "sslcafile":
			s.SSLCAFile = value
		case "authmechanism":
			switch strings.ToUpper(value) {
			case "SCRAM-SHA-1":
				s.AuthMechanism = AuthScramSHA1
			case "MONGODB-CR":
				s.AuthMechanism = AuthMongoDBCR
			case "MONGODB-X509":
				s.AuthMechanism = AuthMongoDBX509
			default:
				return fmt.Errorf("uri: unsupported authMechanism %q", value)
			}
		case "authmechanismproperties":
			s.AuthMechanismRaw = value
			s.AuthMechanismProperties = strings.Split(value, ",")
		case "authsource":
			s.AuthSource = value
		case "wtimeoutms":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("uri: invalid integer for wTimeoutMS=%q: %w", value, err)
			}
			s.WTimeoutMS = ms
		case "w":
			if strings.EqualFold(value, "majority") {
				s.W = "majority"
			} else if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				s.W = n
			} else {
				// Invalid w values are logged and discarded, not rejected.
				slog.Warn("uri: ignoring unrecognized w value", "value", value)
			}
		case "maxpoolsize", "maxconnections":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("uri: invalid integer for maxConnections=%q: %w", value, err)
			}
			s.MaxConnections = n
		default:
			slog.Debug("uri: ignoring unrecognized option", "key", key)
		}
	}
	return nil
}
