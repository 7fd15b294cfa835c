package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/xerrors"
)

// FromFile loads config from a specified file overriding defaults specified
// in def. If the file does not exist or is empty, defaults plus environment
// overrides are returned.
func FromFile(path string, def *Lattice) (*Lattice, error) {
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		cfg := *def
		if err := envconfig.Process("LATTICE", &cfg); err != nil {
			return nil, xerrors.Errorf("processing env overrides: %w", err)
		}
		return &cfg, nil
	case err != nil:
		return nil, err
	}
	defer file.Close() //nolint:errcheck // The file is RO

	return FromReader(file, def)
}

// FromReader loads config from a reader instance, then applies environment
// overrides on top.
func FromReader(reader io.Reader, def *Lattice) (*Lattice, error) {
	cfg := *def
	if _, err := toml.NewDecoder(reader).Decode(&cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}

	if err := envconfig.Process("LATTICE", &cfg); err != nil {
		return nil, xerrors.Errorf("processing env overrides: %w", err)
	}

	return &cfg, nil
}

// ConfigComment renders the config as commented-out TOML so default values
// are visible in a fresh config file but later default changes still apply.
func ConfigComment(t interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, _ = buf.WriteString("# Default config:\n")
	e := toml.NewEncoder(buf)
	if err := e.Encode(t); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	b := buf.Bytes()
	b = bytes.ReplaceAll(b, []byte("\n"), []byte("\n#"))
	b = bytes.ReplaceAll(b, []byte("#["), []byte("["))
	return b, nil
}
