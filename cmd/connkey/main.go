// Command connkey generates or derives 16-byte connection keys.
//
// Usage:
//
//	connkey                                  # random key
//	connkey -secret <hex> -info session:42   # HKDF-SHA256 derivation
//
// The key is printed as NAME=<hex> so it can be sourced into an
// environment file.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/opticfluorine/sovereign-net/pkg/keys"
)

// DefaultVar is the variable name printed before the key.
const DefaultVar = "SOVEREIGN_NET_CONNECTION_KEY"

// Config holds connkey's flags.
type Config struct {
	Secret string
	Salt   string
	Info   string
	Var    string
}

// ParseConfig parses args with fs.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Var: DefaultVar}
	fs.StringVar(&cfg.Secret, "secret", "", "hex handshake secret to derive from (default: random key)")
	fs.StringVar(&cfg.Salt, "salt", "", "hex HKDF salt (derive only)")
	fs.StringVar(&cfg.Info, "info", "", "HKDF info string, e.g. session:<id> (derive only)")
	fs.StringVar(&cfg.Var, "var", cfg.Var, "variable name to print")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run writes the key to out. Random keys are read from reader, or from
// crypto/rand if reader is nil.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.Var == "" {
		return errors.New("variable name is required")
	}
	if cfg.Secret == "" && (cfg.Salt != "" || cfg.Info != "") {
		return errors.New("salt and info require -secret")
	}

	var (
		k   keys.Key
		err error
	)
	if cfg.Secret == "" {
		k, err = keys.Generate(reader)
	} else {
		k, err = derive(cfg)
	}
	if err != nil {
		return err
	}
	defer k.Wipe()

	_, err = fmt.Fprintf(out, "%s=%s\n", cfg.Var, k.Hex())
	return err
}

func derive(cfg Config) (keys.Key, error) {
	secret, err := hex.DecodeString(cfg.Secret)
	if err != nil {
		return keys.Key{}, fmt.Errorf("decode secret: %w", err)
	}
	defer keys.Wipe(secret)

	var salt []byte
	if cfg.Salt != "" {
		if salt, err = hex.DecodeString(cfg.Salt); err != nil {
			return keys.Key{}, fmt.Errorf("decode salt: %w", err)
		}
	}
	return keys.Derive(secret, salt, cfg.Info)
}

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		os.Exit(1)
	}
	if err := Run(cfg, os.Stdout, nil); err != nil {
		fmt.Fprintf(os.Stderr, "connkey: %v\n", err)
		os.Exit(1)
	}
}
