// Package library resolves which subdirectory and remote a command operates on.
package library

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/gitlib/internal/config"
)

var (
	// ErrMissingName is returned when no library argument was given
	ErrMissingName = errors.New("missing lib name")
	// ErrNoAccount is returned when neither a URL nor an account is available
	ErrNoAccount = errors.New("no account or url specified")
	// ErrUnknownAccount is returned when an account has no URL template
	ErrUnknownAccount = errors.New("no such account")
)

// Ref identifies the synchronization target of one invocation
type Ref struct {
	// Name is the last path element of the library argument
	Name string
	// Prefix is the library path relative to the repository root, slash separated
	Prefix string
	URL    string
	// RemoteRef is the branch on the remote
	RemoteRef string
}

// Request carries the raw command line input
type Request struct {
	Lib     string
	Ref     string
	Account string
	URL     string
}

// ConfigReader reads git configuration values
type ConfigReader interface {
	ConfigGet(ctx context.Context, key string) (string, bool, error)
}

// ConfigWriter writes git configuration values
type ConfigWriter interface {
	ConfigSet(ctx context.Context, key, value string, global bool) error
}

// Resolver turns command line input into a Ref
type Resolver struct {
	git      ConfigReader
	cfg      *config.Config
	topLevel string
	workDir  string
}

// NewResolver creates a resolver. topLevel is the repository root and
// workDir the directory the command was started from.
func NewResolver(git ConfigReader, cfg *config.Config, topLevel, workDir string) *Resolver {
	return &Resolver{
		git:      git,
		cfg:      cfg,
		topLevel: topLevel,
		workDir:  workDir,
	}
}

// Resolve builds the library reference for req
func (r *Resolver) Resolve(ctx context.Context, req Request) (Ref, error) {
	name, prefix, err := r.Locate(req.Lib)
	if err != nil {
		return Ref{}, err
	}

	url := req.URL
	if url == "" {
		url, err = r.accountURL(ctx, req.Account, name)
		if err != nil {
			return Ref{}, err
		}
	}

	ref := req.Ref
	if ref == "" {
		ref = r.cfg.DefaultRef
	}
	if ref == "" {
		ref = config.DefaultRef
	}

	return Ref{Name: name, Prefix: prefix, URL: url, RemoteRef: ref}, nil
}

// Locate derives the library name and its prefix relative to the repository root
func (r *Resolver) Locate(lib string) (name, prefix string, err error) {
	lib = strings.TrimRight(filepath.ToSlash(lib), "/")
	if lib == "" {
		return "", "", ErrMissingName
	}

	relDir, err := r.relativeWorkDir()
	if err != nil {
		return "", "", err
	}

	prefix = lib
	if relDir != "." {
		prefix = path.Join(relDir, lib)
	}
	prefix = path.Clean(prefix)
	if prefix == "." || strings.HasPrefix(prefix, "../") || prefix == ".." {
		return "", "", fmt.Errorf("lib %q resolves outside the repository", lib)
	}

	return path.Base(lib), prefix, nil
}

func (r *Resolver) relativeWorkDir() (string, error) {
	if r.workDir == "" {
		return ".", nil
	}
	top := evalSymlinks(r.topLevel)
	wd := evalSymlinks(r.workDir)

	rel, err := filepath.Rel(top, wd)
	if err != nil {
		return "", fmt.Errorf("failed to locate %s in %s: %w", wd, top, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("working directory %s is outside the repository %s", wd, top)
	}
	return rel, nil
}

// accountURL expands the URL template of the selected account
func (r *Resolver) accountURL(ctx context.Context, account, name string) (string, error) {
	if account == "" {
		val, ok, err := r.git.ConfigGet(ctx, "lib.default")
		if err != nil {
			return "", err
		}
		if ok {
			account = val
		}
	}
	if account == "" {
		account = r.cfg.DefaultAccount
	}
	if account == "" {
		return "", ErrNoAccount
	}

	pattern, ok, err := r.git.ConfigGet(ctx, "lib."+account+".url")
	if err != nil {
		return "", err
	}
	if !ok {
		pattern, ok = r.cfg.AccountURL(account)
	}
	if !ok || pattern == "" {
		return "", fmt.Errorf("%w %s", ErrUnknownAccount, account)
	}

	return ExpandURL(pattern, account, name), nil
}

// ExpandURL substitutes %{account} and %{lib} in a URL template
func ExpandURL(pattern, account, lib string) string {
	return strings.NewReplacer("%{account}", account, "%{lib}", lib).Replace(pattern)
}

// AddAccount stores an account URL template in git configuration. The
// service names listed in config.ServiceURLs expand to their templates.
func AddAccount(ctx context.Context, git ConfigWriter, name, serviceURL string, global, makeDefault bool) error {
	if name == "" {
		return errors.New("missing account name")
	}
	if serviceURL == "" {
		return errors.New("missing service url")
	}
	if known, ok := config.ServiceURLs[serviceURL]; ok {
		serviceURL = known
	}

	if err := git.ConfigSet(ctx, "lib."+name+".url", serviceURL, global); err != nil {
		return fmt.Errorf("failed to store account %s: %w", name, err)
	}
	if makeDefault {
		if err := git.ConfigSet(ctx, "lib.default", name, global); err != nil {
			return fmt.Errorf("failed to set default account: %w", err)
		}
	}
	return nil
}

func evalSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}
