package script

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Environment variables passed to exec transactions.
const (
	EnvThreadNum          = "MECH_THREAD_NUM"
	EnvProcessNum         = "MECH_PROCESS_NUM"
	EnvGroupConfig        = "MECH_GROUP_CONFIG"
	EnvGeneratorTransport = "MECH_GENERATOR_TRANSPORT"
	EnvGeneratorAddr      = "MECH_GENERATOR_ADDR"
)

const execCloseTimeout = 5 * time.Second

// execReply is the line an exec transaction writes after each iteration.
type execReply struct {
	Error        string             `json:"error"`
	CustomTimers map[string]float64 `json:"custom_timers"`
}

// ExecTransaction drives a long-lived external program. Each Run writes
// "run\n" to its stdin and reads one JSON reply line from its stdout.
type ExecTransaction struct {
	path string
	env  *Env

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// ExecFactory returns a factory that starts one child process per agent.
func ExecFactory(path string) TransactionFactory {
	return func(env *Env) (Transaction, error) {
		return StartExec(path, env)
	}
}

// StartExec launches path with the agent's injected values in its
// environment.
func StartExec(path string, env *Env) (*ExecTransaction, error) {
	groupConfig, err := json.Marshal(env.UserGroupGlobalConfig)
	if err != nil {
		return nil, errors.Wrap(err, "encoding group config")
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(),
		EnvThreadNum+"="+strconv.Itoa(env.ThreadNum),
		EnvProcessNum+"="+strconv.Itoa(env.ProcessNum),
		EnvGroupConfig+"="+string(groupConfig),
	)
	if env.Generator != nil {
		ep := env.Generator.Endpoint()
		cmd.Env = append(cmd.Env,
			EnvGeneratorTransport+"="+string(ep.Transport),
			EnvGeneratorAddr+"="+ep.Address,
		)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "exec transaction stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "exec transaction stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", path)
	}

	log.WithFields(log.Fields{
		"path":   path,
		"pid":    cmd.Process.Pid,
		"thread": env.ThreadNum,
	}).Debug("exec transaction started")

	return &ExecTransaction{
		path:   path,
		env:    env,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

// Run performs one iteration. Timers reported by the child are merged into
// the agent's CustomTimers.
func (t *ExecTransaction) Run(ctx context.Context) error {
	if _, err := io.WriteString(t.stdin, "run\n"); err != nil {
		return errors.Wrapf(err, "%s: writing command", t.path)
	}

	line, err := t.stdout.ReadBytes('\n')
	if err != nil {
		return errors.Wrapf(err, "%s: reading reply", t.path)
	}

	var reply execReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return errors.Wrapf(err, "%s: malformed reply", t.path)
	}
	for name, v := range reply.CustomTimers {
		t.env.CustomTimers[name] = v
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}

// Close ends the child by closing its stdin, killing it if it has not
// exited within a few seconds.
func (t *ExecTransaction) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()

		select {
		case err := <-done:
			t.closeErr = err
		case <-time.After(execCloseTimeout):
			_ = t.cmd.Process.Kill()
			t.closeErr = errors.Errorf("%s did not exit after stdin closed", t.path)
			<-done
		}
	})
	return t.closeErr
}
