package flags

import (
	"flag"
	"io"
	"os"

	"hop.computer/forward/config"
)

// ClientFlags holds CLI arguments for the forward client.
type ClientFlags struct {
	ConfigPath string
	Debug      bool

	HandshakeHost string
	HandshakePort int
	TargetHost    string
	TargetPort    int
	ProxyHost     string
	ProxyPort     int
	Certificate   string
	CACertificate string
	Key           string

	set map[string]bool
}

var clientOptions = []option{
	{"handshakehost", "hostname"},
	{"handshakeport", "portnumber"},
	{"targethost", "hostname"},
	{"targetport", "portnumber"},
	{"proxyhost", "hostname"},
	{"proxyport", "portnumber"},
	{"usercert", "filename"},
	{"cacert", "filename"},
	{"key", "filename"},
	{"C", "config file"},
	{"debug", ""},
}

// ClientUsage writes the client usage text to w.
func ClientUsage(w io.Writer) {
	usage(w, "forwardclient", clientOptions)
}

// ParseClientArgs defines and parses the flags from the cmd line for the
// forward client. args[0] is the program name.
func ParseClientArgs(args []string) (*ClientFlags, error) {
	f := &ClientFlags{}
	fs := flag.NewFlagSet("forwardclient", flag.ContinueOnError)
	fs.Usage = func() { ClientUsage(fs.Output()) }
	defineClientFlags(fs, f)
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	f.set = setFlags(fs)
	return f, nil
}

func defineClientFlags(fs *flag.FlagSet, f *ClientFlags) {
	fs.StringVar(&f.ConfigPath, "C", "", "path to client config file")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&f.HandshakeHost, "handshakehost", "", "forward server host")
	fs.IntVar(&f.HandshakePort, "handshakeport", 0, "forward server handshake port")
	fs.StringVar(&f.TargetHost, "targethost", "", "host the server should connect to")
	fs.IntVar(&f.TargetPort, "targetport", 0, "port the server should connect to")
	fs.StringVar(&f.ProxyHost, "proxyhost", "", "local address to accept the plaintext connection on")
	fs.IntVar(&f.ProxyPort, "proxyport", 0, "local port to accept the plaintext connection on")
	fs.StringVar(&f.Certificate, "usercert", "", "client certificate (PEM)")
	fs.StringVar(&f.CACertificate, "cacert", "", "CA certificate the server must be issued by (PEM)")
	fs.StringVar(&f.Key, "key", "", "client private key (PEM)")
}

func mergeClientFlagsAndConfig(f *ClientFlags, cc *config.ClientConfig) {
	if f.set["handshakehost"] {
		cc.HandshakeHost = f.HandshakeHost
	}
	if f.set["handshakeport"] {
		cc.HandshakePort = f.HandshakePort
	}
	if f.set["targethost"] {
		cc.TargetHost = f.TargetHost
	}
	if f.set["targetport"] {
		cc.TargetPort = f.TargetPort
	}
	if f.set["proxyhost"] {
		cc.ProxyHost = f.ProxyHost
	}
	if f.set["proxyport"] {
		cc.ProxyPort = f.ProxyPort
	}
	if f.set["usercert"] {
		cc.Certificate = f.Certificate
	}
	if f.set["cacert"] {
		cc.CACertificate = f.CACertificate
	}
	if f.set["key"] {
		cc.Key = f.Key
	}
}

// LoadClientConfigFromFlags loads the config file named by the flags, if any,
// then overrides it with every flag set on the command line and fills in
// defaults.
func LoadClientConfigFromFlags(f *ClientFlags) (*config.ClientConfig, error) {
	cc := &config.ClientConfig{}
	if f.ConfigPath != "" {
		var err error
		cc, err = config.LoadClientConfigFromFile(f.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	mergeClientFlagsAndConfig(f, cc)
	cc.ApplyDefaults()
	if err := cc.Validate(); err != nil {
		ClientUsage(os.Stderr)
		return nil, err
	}
	return cc, nil
}
