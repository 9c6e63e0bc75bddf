// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remote opens authenticated shells on pool machines for the
// inspector pipeline: an ssh connection with an sftp channel layered
// on top, tried across the configured credential pool.
package remote

import (
	"bytes"
	"net"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/retry.v1"
)

var logger = loggo.GetLogger("hostpool.remote")

const sshPort = "22"

const (
	dialTimeout        = 20 * time.Second
	initialRetryDelay  = 2 * time.Second
	retryBackoffFactor = 2
	maxDialAttempts    = 4
)

// Connection is an authenticated shell on one machine, with file
// access over sftp. Inspectors get a fresh connection per check and
// must not retain it.
type Connection interface {
	// Output runs a command and returns its stdout.
	Output(cmd string) ([]byte, error)
	// ReadFile reads a remote file over sftp.
	ReadFile(path string) ([]byte, error)
	// ReadDir lists a remote directory over sftp.
	ReadDir(path string) ([]os.FileInfo, error)
	// ReadLink resolves a remote symlink over sftp.
	ReadLink(path string) (string, error)
	Close() error
}

// DialFunc matches Dial, letting the inspector pipeline swap the
// transport out in tests.
type DialFunc func(hostname string, creds Credentials, clk clock.Clock, abort <-chan struct{}) (Connection, error)

// Credentials is the credential pool tried against machines: every
// user in order, each offered all key files and then all passwords.
type Credentials struct {
	Users     []string
	Passwords []string
	KeyFiles  []string
}

func (c Credentials) methods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	var signers []ssh.Signer
	for _, path := range c.KeyFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading ssh key %q", path)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing ssh key %q", path)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	for _, password := range c.Passwords {
		methods = append(methods, ssh.Password(password))
	}
	return methods, nil
}

// Dial connects to a machine, retrying with backoff while its sshd
// comes up. Host keys are not verified: pool machines are reimaged
// between provisions so their keys never persist.
func Dial(hostname string, creds Credentials, clk clock.Clock, abort <-chan struct{}) (Connection, error) {
	users := creds.Users
	if len(users) == 0 {
		users = []string{"root"}
	}
	methods, err := creds.methods()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	addr := hostname
	if _, _, err := net.SplitHostPort(hostname); err != nil {
		addr = net.JoinHostPort(hostname, sshPort)
	}
	strategy := retry.LimitCount(maxDialAttempts, retry.Exponential{
		Initial: initialRetryDelay,
		Factor:  retryBackoffFactor,
		Jitter:  true,
	})
	var lastErr error
	for a := retry.StartWithCancel(strategy, clk, abort); a.Next(); {
		for _, user := range users {
			config := &ssh.ClientConfig{
				User:            user,
				Auth:            methods,
				HostKeyCallback: ssh.InsecureIgnoreHostKey(),
				Timeout:         dialTimeout,
			}
			client, err := ssh.Dial("tcp", addr, config)
			if err != nil {
				logger.Debugf("ssh dial %s as %q: %v", addr, user, err)
				lastErr = err
				continue
			}
			sftpClient, err := sftp.NewClient(client)
			if err != nil {
				_ = client.Close()
				lastErr = err
				continue
			}
			logger.Debugf("connected to %s as %q", addr, user)
			return &connection{client: client, sftp: sftpClient}, nil
		}
		if a.Stopped() {
			return nil, errors.Annotatef(lastErr, "dialling %q aborted", hostname)
		}
	}
	return nil, errors.Annotatef(lastErr, "cannot connect to %q", hostname)
}

type connection struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// Output runs cmd in a fresh session. Stderr rides along in the error
// when the command fails.
func (c *connection) Output(cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer session.Close()
	var stderr bytes.Buffer
	session.Stderr = &stderr
	out, err := session.Output(cmd)
	if err != nil {
		return nil, errors.Annotatef(err, "running %q: %s", cmd, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (c *connection) ReadFile(path string) ([]byte, error) {
	f, err := c.sftp.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func (c *connection) ReadDir(path string) ([]os.FileInfo, error) {
	infos, err := c.sftp.ReadDir(path)
	return infos, errors.Trace(err)
}

func (c *connection) ReadLink(path string) (string, error) {
	target, err := c.sftp.ReadLink(path)
	return target, errors.Trace(err)
}

func (c *connection) Close() error {
	sftpErr := c.sftp.Close()
	if err := c.client.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sftpErr)
}
