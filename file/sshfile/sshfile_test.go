package sshfile

import (
	"testing"

	"github.com/basinlabs/stream/file"
	"github.com/grailbio/testutil/assert"
)

func TestLocationForRejectsNonSSHScheme(t *testing.T) {
	_, err := locationFor("s3://bucket/key")
	assert.True(t, err != nil)
}

func TestLocationForParsesHostUserPath(t *testing.T) {
	loc, err := locationFor("ssh://alice@example.com:2222//data/in.csv")
	assert.NoError(t, err)
	assert.EQ(t, loc.User, "alice")
	assert.EQ(t, loc.Host, "example.com")
	assert.EQ(t, loc.Port, 2222)
	assert.EQ(t, loc.Path, "/data/in.csv")
}

func TestDialUsesDefaultPort(t *testing.T) {
	impl := &sshImpl{opts: Options{DialTimeout: 0}}
	// dial fails fast against an address nothing is listening on; this
	// only exercises port defaulting and error wrapping, not a live server.
	_, _, err := impl.dial(file.SSHLocation{Host: "127.0.0.1", Port: 0})
	assert.True(t, err != nil)
}
