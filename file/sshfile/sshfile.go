// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package sshfile implements a file.Implementation backed by SFTP,
// one connection per opened file.
package sshfile

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/basinlabs/stream/errors"
	"github.com/basinlabs/stream/file"
	"github.com/basinlabs/stream/ioctx"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultPort = 22

// Options configures connections made by an sshfile Implementation.
// Host, user, and path come from the URI (file.SSHLocation); the
// credentials and host-key policy that authenticate the connection do
// not, and are supplied here instead.
type Options struct {
	// Password authenticates via SSH password auth if non-empty.
	Password string

	// Signers authenticates via SSH public-key auth when set.
	Signers []ssh.Signer

	// HostKeyCallback validates the server's host key. If nil,
	// ssh.InsecureIgnoreHostKey is used; callers connecting to an
	// untrusted network should always set this.
	HostKeyCallback ssh.HostKeyCallback

	// DialTimeout bounds the initial TCP+SSH handshake. Zero means no
	// timeout beyond the context passed to Open/Create.
	DialTimeout time.Duration
}

type sshImpl struct{ opts Options }

// NewImplementation returns a file.Implementation backed by SFTP,
// authenticating new connections with opts.
func NewImplementation(opts Options) file.Implementation {
	return &sshImpl{opts: opts}
}

func init() {
	file.RegisterImplementation("ssh", func() file.Implementation { return NewImplementation(Options{}) })
	file.RegisterImplementation("sftp", func() file.Implementation { return NewImplementation(Options{}) })
}

func (impl *sshImpl) String() string { return "ssh" }

func (impl *sshImpl) dial(loc file.SSHLocation) (*sftp.Client, *ssh.Client, error) {
	port := loc.Port
	if port == 0 {
		port = defaultPort
	}
	cfg := &ssh.ClientConfig{
		User:    loc.User,
		Timeout: impl.opts.DialTimeout,
	}
	if impl.opts.HostKeyCallback != nil {
		cfg.HostKeyCallback = impl.opts.HostKeyCallback
	} else {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	password := loc.Password
	if password == "" {
		password = impl.opts.Password
	}
	if password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(password))
	}
	if len(impl.opts.Signers) > 0 {
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(impl.opts.Signers...))
	}
	addr := net.JoinHostPort(loc.Host, strconv.Itoa(port))
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, nil, errors.E(errors.TransportError, errors.Backend("ssh"), "sshfile: dial ", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.E(errors.TransportError, errors.Backend("ssh"), "sshfile: sftp handshake ", addr, err)
	}
	return client, conn, nil
}

func locationFor(path string) (file.SSHLocation, error) {
	loc, err := file.ParseLocation(path)
	if err != nil {
		return file.SSHLocation{}, err
	}
	sshLoc, ok := loc.(file.SSHLocation)
	if !ok {
		return file.SSHLocation{}, errors.E(errors.MalformedUri, "sshfile: not an ssh/sftp uri: ", path)
	}
	return sshLoc, nil
}

// Open implements file.Implementation.
func (impl *sshImpl) Open(ctx context.Context, path string, _ ...file.Opts) (file.File, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	client, conn, err := impl.dial(loc)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(loc.Path)
	if err != nil {
		client.Close()
		conn.Close()
		if isNotExist(err) {
			return nil, errors.E(errors.NotExist, "sshfile: open ", path, err)
		}
		return nil, errors.E(errors.TransportError, errors.Backend("ssh"), "sshfile: open ", path, err)
	}
	return &sshFile{path: path, client: client, conn: conn, f: f, readonly: true}, nil
}

// Create implements file.Implementation. Writes are an append-only
// stream: the remote file is opened write/create/truncate and never
// seeked.
func (impl *sshImpl) Create(ctx context.Context, path string, _ ...file.Opts) (file.File, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	client, conn, err := impl.dial(loc)
	if err != nil {
		return nil, err
	}
	f, err := client.OpenFile(loc.Path, 1 /*O_WRONLY*/|64 /*O_CREATE*/|512 /*O_TRUNC*/)
	if err != nil {
		client.Close()
		conn.Close()
		return nil, errors.E(errors.TransportError, errors.Backend("ssh"), "sshfile: create ", path, err)
	}
	return &sshFile{path: path, client: client, conn: conn, f: f, readonly: false}, nil
}

// Stat implements file.Implementation.
func (impl *sshImpl) Stat(ctx context.Context, path string, _ ...file.Opts) (file.Info, error) {
	loc, err := locationFor(path)
	if err != nil {
		return nil, err
	}
	client, conn, err := impl.dial(loc)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer conn.Close()
	fi, err := client.Stat(loc.Path)
	if err != nil {
		if isNotExist(err) {
			return nil, errors.E(errors.NotExist, "sshfile: stat ", path, err)
		}
		return nil, errors.E(errors.TransportError, errors.Backend("ssh"), "sshfile: stat ", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("sshfile: stat %s: is a directory", path)
	}
	return &sshInfo{size: fi.Size(), modTime: fi.ModTime()}, nil
}

// List implements file.Implementation.
func (impl *sshImpl) List(ctx context.Context, dir string, recursive bool) file.Lister {
	loc, err := locationFor(dir)
	if err != nil {
		return &errLister{err: err}
	}
	client, conn, err := impl.dial(loc)
	if err != nil {
		return &errLister{err: err}
	}
	return &sshLister{client: client, conn: conn, prefix: dir, todo: []string{loc.Path}, root: loc.Path, recurse: recursive}
}

// Remove implements file.Implementation.
func (impl *sshImpl) Remove(ctx context.Context, path string) error {
	loc, err := locationFor(path)
	if err != nil {
		return err
	}
	client, conn, err := impl.dial(loc)
	if err != nil {
		return err
	}
	defer client.Close()
	defer conn.Close()
	return client.Remove(loc.Path)
}

// Presign implements file.Implementation. SFTP has no signed-URL concept.
func (impl *sshImpl) Presign(_ context.Context, path, _ string, _ time.Duration) (string, error) {
	return "", errors.E(errors.NotSupported, "sshfile: presign not supported for ", path)
}

func isNotExist(err error) bool {
	if se, ok := err.(*sftp.StatusError); ok {
		return se.Code == uint32(sftp.ErrSSHFxNoSuchFile)
	}
	return false
}

type sshInfo struct {
	size    int64
	modTime time.Time
}

func (i *sshInfo) Size() int64        { return i.size }
func (i *sshInfo) ModTime() time.Time { return i.modTime }

type sshFile struct {
	path     string
	client   *sftp.Client
	conn     *ssh.Client
	f        *sftp.File
	readonly bool
}

func (f *sshFile) String() string { return f.path }
func (f *sshFile) Name() string   { return f.path }

func (f *sshFile) Stat(context.Context) (file.Info, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return nil, err
	}
	return &sshInfo{size: fi.Size(), modTime: fi.ModTime()}, nil
}

func (f *sshFile) Reader(context.Context) io.ReadSeeker {
	if !f.readonly {
		return file.NewError(fmt.Errorf("sshfile: reader %s: file opened for writing", f.path))
	}
	return f.f
}

func (f *sshFile) OffsetReader(offset int64) ioctx.ReadCloser {
	return ioctx.FromStdReadCloser(io.NopCloser(io.NewSectionReader(f.f, offset, 1<<62)))
}

func (f *sshFile) Writer(context.Context) io.Writer {
	if f.readonly {
		return file.NewError(fmt.Errorf("sshfile: writer %s: file opened for reading", f.path))
	}
	return f.f
}

func (f *sshFile) Discard(context.Context) {
	f.f.Close()
	f.client.Close()
	f.conn.Close()
}

func (f *sshFile) Close(context.Context) error {
	if f.client == nil {
		return nil
	}
	err := f.f.Close()
	if cerr := f.client.Close(); err == nil {
		err = cerr
	}
	if cerr := f.conn.Close(); err == nil {
		err = cerr
	}
	f.client = nil
	return err
}

type errLister struct{ err error }

func (e *errLister) Scan() bool      { return false }
func (e *errLister) Err() error      { return e.err }
func (e *errLister) Path() string    { panic("sshfile: Path after Scan returned false") }
func (e *errLister) IsDir() bool     { panic("sshfile: IsDir after Scan returned false") }
func (e *errLister) Info() file.Info { panic("sshfile: Info after Scan returned false") }

type sshLister struct {
	client  *sftp.Client
	conn    *ssh.Client
	prefix  string
	root    string
	recurse bool

	todo []string
	path string
	info sftpFileInfo
	err  error
}

type sftpFileInfo interface {
	IsDir() bool
	Size() int64
	ModTime() time.Time
}

func (l *sshLister) Scan() bool {
	for {
		if len(l.todo) == 0 || l.err != nil {
			l.client.Close()
			l.conn.Close()
			return false
		}
		var p string
		p, l.todo = l.todo[0], l.todo[1:]
		fi, err := l.client.Stat(p)
		if err != nil {
			l.err = err
			continue
		}
		l.path = l.prefix + p[len(l.root):]
		l.info = fi
		if !fi.IsDir() {
			return true
		}
		if l.recurse || p == l.root {
			entries, err := l.client.ReadDir(p)
			if err != nil {
				l.err = err
				return false
			}
			var children []string
			for _, e := range entries {
				children = append(children, p+"/"+e.Name())
			}
			l.todo = append(children, l.todo...)
			continue
		}
		return true
	}
}

func (l *sshLister) Err() error   { return l.err }
func (l *sshLister) Path() string { return l.path }
func (l *sshLister) IsDir() bool  { return l.info.IsDir() }
func (l *sshLister) Info() file.Info {
	if l.info.IsDir() {
		return nil
	}
	return &sshInfo{size: l.info.Size(), modTime: l.info.ModTime()}
}
