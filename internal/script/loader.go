package script

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/wesleyorama2/mechanize/internal/generator"
)

// Reference prefixes understood by the Loader.
const (
	ExecPrefix    = "exec:"
	BuiltinPrefix = "builtin:"
	LinesPrefix   = "lines:"
	RedisPrefix   = "redis:"
)

// Loader resolves script references.
//
// A transaction reference is a registered name, "exec:<path>", or the name
// of an executable file under ScriptDir. A generator reference is a
// registered name, "builtin:counter", "lines:<path>" or
// "redis:<addr>/<list>". Relative paths resolve against ScriptDir and
// GeneratorDir.
type Loader struct {
	ScriptDir    string
	GeneratorDir string

	// Registry defaults to Default.
	Registry *Registry
}

func (l *Loader) registry() *Registry {
	if l.Registry == nil {
		return Default
	}
	return l.Registry
}

// Transaction resolves ref into a factory. Nothing is started.
func (l *Loader) Transaction(ref string) (TransactionFactory, error) {
	if ref == "" {
		return nil, errors.New("empty transaction script reference")
	}
	if factory, ok := l.registry().Transaction(ref); ok {
		return factory, nil
	}

	path := strings.TrimPrefix(ref, ExecPrefix)
	resolved, err := resolveExecutable(l.ScriptDir, path)
	if err != nil {
		if strings.HasPrefix(ref, ExecPrefix) {
			return nil, errors.WithMessagef(err, "transaction script %q", ref)
		}
		return nil, errors.Errorf("transaction script %q is neither registered nor an executable in %s", ref, l.ScriptDir)
	}
	return ExecFactory(resolved), nil
}

// Generator builds the source for ref. Sources that hold external
// resources are opened here, so the result must reach a ServiceHost whose
// Stop closes it.
func (l *Loader) Generator(ref string) (generator.Source, error) {
	src, err := l.generator(ref)
	if err != nil {
		return nil, errors.WithMessagef(err, "generator script %q", ref)
	}
	if err := generator.Validate(src); err != nil {
		return nil, errors.WithMessagef(err, "generator script %q", ref)
	}
	return src, nil
}

func (l *Loader) generator(ref string) (generator.Source, error) {
	if factory, ok := l.registry().Generator(ref); ok {
		return factory()
	}

	switch {
	case strings.HasPrefix(ref, BuiltinPrefix):
		name := strings.TrimPrefix(ref, BuiltinPrefix)
		if name != "counter" {
			return nil, errors.Errorf("unknown builtin generator %q", name)
		}
		return generator.NewCounter(1), nil

	case strings.HasPrefix(ref, LinesPrefix):
		return generator.NewLineSource(resolvePath(l.GeneratorDir, strings.TrimPrefix(ref, LinesPrefix)))

	case strings.HasPrefix(ref, RedisPrefix):
		addr, list, err := generator.ParseRedisRef(strings.TrimPrefix(ref, RedisPrefix))
		if err != nil {
			return nil, err
		}
		return generator.NewRedisSource(addr, list)
	}
	return nil, errors.New("not registered and not a builtin reference")
}

// CheckTransactions resolves every reference and reports all failures at
// once.
func (l *Loader) CheckTransactions(refs ...string) error {
	var result *multierror.Error
	for _, ref := range refs {
		if _, err := l.Transaction(ref); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

func resolveExecutable(dir, path string) (string, error) {
	if path == "" {
		return "", errors.New("empty executable path")
	}
	resolved := resolvePath(dir, path)
	info, err := os.Stat(resolved)
	if err != nil {
		return "", errors.Wrap(err, "executable not found")
	}
	if info.IsDir() {
		return "", errors.Errorf("%s is a directory", resolved)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", errors.Errorf("%s is not executable", resolved)
	}
	return resolved, nil
}
