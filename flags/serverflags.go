package flags

import (
	"flag"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"hop.computer/forward/common"
	"hop.computer/forward/config"
)

// ServerFlags holds CLI args for the forward server.
type ServerFlags struct {
	ConfigPath string
	Debug      bool

	HandshakeHost  string
	HandshakePort  int
	DataHost       string
	DataPort       int
	Certificate    string
	CACertificate  string
	Key            string
	KeyLength      int
	MaxRelays      int
	MetricsAddress string

	set map[string]bool
}

var serverOptions = []option{
	{"handshakehost", "hostname"},
	{"handshakeport", "portnumber"},
	{"datahost", "hostname"},
	{"dataport", "portnumber"},
	{"usercert", "filename"},
	{"cacert", "filename"},
	{"key", "filename"},
	{"keylength", "bits"},
	{"maxrelays", "count"},
	{"metrics", "address"},
	{"C", "config file"},
	{"debug", ""},
}

// ServerUsage writes the server usage text to w.
func ServerUsage(w io.Writer) {
	usage(w, "forwardserver", serverOptions)
}

// ParseServerArgs defines and parses the flags from the cmd line for the
// forward server. args[0] is the program name.
func ParseServerArgs(args []string) (*ServerFlags, error) {
	f := &ServerFlags{}
	fs := flag.NewFlagSet("forwardserver", flag.ContinueOnError)
	fs.Usage = func() { ServerUsage(fs.Output()) }
	defineServerFlags(fs, f)
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	f.set = setFlags(fs)
	return f, nil
}

func defineServerFlags(fs *flag.FlagSet, f *ServerFlags) {
	fs.StringVar(&f.ConfigPath, "C", "", "path to server config file")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&f.HandshakeHost, "handshakehost", "", "address of the handshake listener")
	fs.IntVar(&f.HandshakePort, "handshakeport", 0, "port of the handshake listener")
	fs.StringVar(&f.DataHost, "datahost", "", "address data channel listeners bind to")
	fs.IntVar(&f.DataPort, "dataport", 0, "port data channel listeners bind to (0 picks one per session)")
	fs.StringVar(&f.Certificate, "usercert", "", "server certificate (PEM)")
	fs.StringVar(&f.CACertificate, "cacert", "", "CA certificate clients must be issued by (PEM)")
	fs.StringVar(&f.Key, "key", "", "server private key (PEM)")
	fs.IntVar(&f.KeyLength, "keylength", 0, "session key length in bits")
	fs.IntVar(&f.MaxRelays, "maxrelays", 0, "maximum number of concurrent tunnels")
	fs.StringVar(&f.MetricsAddress, "metrics", "", "address to serve Prometheus metrics on")
}

func mergeServerFlagsAndConfig(f *ServerFlags, sc *config.ServerConfig) error {
	if f.set["handshakehost"] {
		sc.HandshakeHost = f.HandshakeHost
	}
	if f.set["handshakeport"] {
		sc.HandshakePort = f.HandshakePort
	}
	if f.set["usercert"] {
		sc.Certificate = f.Certificate
	}
	if f.set["cacert"] {
		sc.CACertificate = f.CACertificate
	}
	if f.set["key"] {
		sc.Key = f.Key
	}
	if f.set["keylength"] {
		sc.KeyLength = f.KeyLength
	}
	if f.set["maxrelays"] {
		sc.MaxRelays = f.MaxRelays
	}
	if f.set["metrics"] {
		sc.MetricsAddress = f.MetricsAddress
	}
	if f.set["datahost"] || f.set["dataport"] {
		host, port := f.DataHost, strconv.Itoa(f.DataPort)
		if sc.DataAddress != "" {
			h, p, err := net.SplitHostPort(sc.DataAddress)
			if err != nil {
				return errors.Wrapf(err, "invalid data address %q", sc.DataAddress)
			}
			if !f.set["datahost"] {
				host = h
			}
			if !f.set["dataport"] {
				port = p
			}
		} else if !f.set["datahost"] {
			host = common.DefaultHandshakeHost
		}
		sc.DataAddress = net.JoinHostPort(host, port)
	}
	return nil
}

// LoadServerConfigFromFlags loads the config file named by the flags, or the
// default config file if it exists, then overrides it with every flag set on
// the command line and fills in defaults.
func LoadServerConfigFromFlags(f *ServerFlags) (*config.ServerConfig, error) {
	path := f.ConfigPath
	if path == "" {
		path = common.DefaultConfigPath
	}
	sc, err := config.LoadServerConfigFromFile(path)
	switch {
	case err == nil:
	case f.ConfigPath == "" && isNotExist(err):
		sc = &config.ServerConfig{}
	default:
		return nil, err
	}
	if err := mergeServerFlagsAndConfig(f, sc); err != nil {
		return nil, err
	}
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		ServerUsage(os.Stderr)
		return nil, err
	}
	return sc, nil
}
