package repo

import (
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/node/config"
)

var (
	ErrNoAPIEndpoint     = xerrors.New("no API endpoint set")
	ErrNoAPIToken        = xerrors.New("no API token set")
	ErrRepoAlreadyLocked = xerrors.New("repo is already locked (lattice daemon already running)")
	ErrClosedRepo        = xerrors.New("repo is no longer open")
)

// Repo is a directory on disk holding everything a daemon needs to run:
// the config file, the record database, the journal, the token-signing
// secret, and while a daemon is up, its API endpoint and admin token.
type Repo interface {
	// APIEndpoint returns the URL of the running daemon's RPC endpoint.
	APIEndpoint() (string, error)

	// APIToken returns the admin token minted on first start.
	APIToken() ([]byte, error)

	// Lock locks the repo for exclusive use.
	Lock() (LockedRepo, error)
}

type LockedRepo interface {
	// Close closes repo and removes lock.
	Close() error

	// Config returns the config file contents with environment overrides
	// applied. A missing file yields the defaults.
	Config() (*config.Lattice, error)

	// SetConfig loads the config, hands it to the mutator and writes the
	// result back to disk.
	SetConfig(func(*config.Lattice)) error

	// Secret returns the HMAC secret used to sign and verify API tokens.
	Secret() ([]byte, error)

	SetAPIEndpoint(string) error
	SetAPIToken([]byte) error

	// DatabasePath resolves the configured store path against the repo
	// root.
	DatabasePath() (string, error)

	// Path returns repo path
	Path() string
}
