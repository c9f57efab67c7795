package script_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mechanize/internal/generator"
	"github.com/wesleyorama2/mechanize/internal/script"
)

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec transactions need a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

const echoScript = `#!/bin/sh
n=0
while read cmd; do
  n=$((n+1))
  if [ "$n" -eq 2 ]; then
    echo '{"error": "second, iteration failed", "custom_timers": {}}'
  else
    echo "{\"error\": \"\", \"custom_timers\": {\"thread\": $MECH_THREAD_NUM, \"process\": $MECH_PROCESS_NUM}}"
  fi
done
`

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := script.NewRegistry()
	reg.RegisterTransaction("noop", func(env *script.Env) (script.Transaction, error) {
		return script.TransactionFunc(func(context.Context) error { return nil }), nil
	})
	reg.RegisterGenerator("ids", func() (generator.Source, error) {
		return generator.NewCounter(1), nil
	})

	_, ok := reg.Transaction("noop")
	assert.True(t, ok)
	_, ok = reg.Generator("ids")
	assert.True(t, ok)
	_, ok = reg.Transaction("missing")
	assert.False(t, ok)

	txs, gens := reg.Names()
	assert.Equal(t, []string{"noop"}, txs)
	assert.Equal(t, []string{"ids"}, gens)
}

func TestRegistry_PanicsOnDuplicateOrNil(t *testing.T) {
	reg := script.NewRegistry()
	factory := func(env *script.Env) (script.Transaction, error) { return nil, nil }
	reg.RegisterTransaction("dup", factory)

	assert.Panics(t, func() { reg.RegisterTransaction("dup", factory) })
	assert.Panics(t, func() { reg.RegisterTransaction("", factory) })
	assert.Panics(t, func() { reg.RegisterTransaction("nil", nil) })
	assert.Panics(t, func() { reg.RegisterGenerator("nil", nil) })
}

func TestLoader_Transaction(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "v_user.sh", echoScript)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	reg := script.NewRegistry()
	reg.RegisterTransaction("browse", func(env *script.Env) (script.Transaction, error) {
		return script.TransactionFunc(func(context.Context) error { return nil }), nil
	})
	loader := &script.Loader{ScriptDir: dir, Registry: reg}

	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"browse", false},
		{"exec:v_user.sh", false},
		{"v_user.sh", false},
		{"exec:" + filepath.Join(dir, "v_user.sh"), false},
		{"exec:missing.sh", true},
		{"notes.txt", true},
		{"unknown", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := loader.Transaction(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	err := loader.CheckTransactions("browse", "unknown", "exec:missing.sh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
	assert.Contains(t, err.Error(), "missing.sh")
}

func TestLoader_Generator(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.txt"), []byte("a\nb\n"), 0o644))

	reg := script.NewRegistry()
	reg.RegisterGenerator("fixed", func() (generator.Source, error) {
		return generator.FromSlice("x"), nil
	})
	reg.RegisterGenerator("broken", func() (generator.Source, error) {
		return struct{}{}, nil
	})
	loader := &script.Loader{GeneratorDir: dir, Registry: reg}

	src, err := loader.Generator("builtin:counter")
	require.NoError(t, err)
	v, err := src.(generator.Sequencer).Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	src, err = loader.Generator("lines:users.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, src.(*generator.LineSource).Len())

	_, err = loader.Generator("fixed")
	assert.NoError(t, err)

	for _, ref := range []string{"broken", "builtin:clock", "lines:nope.txt", "redis:nohost", "whatever"} {
		_, err := loader.Generator(ref)
		assert.Error(t, err, ref)
	}
}

func TestExecTransaction_RunAndClose(t *testing.T) {
	path := writeExecutable(t, t.TempDir(), "v_user.sh", echoScript)

	env := script.NewEnv(3, 1, nil, map[string]string{"host": "example"})
	tx, err := script.ExecFactory(path)(env)
	require.NoError(t, err)
	closer := tx.(*script.ExecTransaction)
	defer closer.Close()

	require.NoError(t, tx.Run(context.Background()))
	assert.Equal(t, map[string]float64{"thread": 3, "process": 1}, env.CustomTimers)

	err = tx.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "second, iteration failed", err.Error())
	assert.Equal(t, float64(3), env.CustomTimers["thread"], "timers persist across iterations")

	assert.NoError(t, tx.Run(context.Background()))
	assert.NoError(t, closer.Close())
	assert.NoError(t, closer.Close())
}

func TestExecTransaction_ChildExits(t *testing.T) {
	path := writeExecutable(t, t.TempDir(), "quit.sh", "#!/bin/sh\nexit 0\n")

	tx, err := script.StartExec(path, script.NewEnv(0, 0, nil, nil))
	require.NoError(t, err)
	defer tx.Close()

	assert.Error(t, tx.Run(context.Background()))
}

func TestEnv_SnapshotIsCopy(t *testing.T) {
	env := script.NewEnv(0, 0, nil, nil)
	env.CustomTimers["a"] = 1

	snap := env.SnapshotTimers()
	env.CustomTimers["a"] = 2

	assert.Equal(t, float64(1), snap["a"])
	assert.NotNil(t, env.UserGroupGlobalConfig)
}
