package compress_test

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/basinlabs/stream/compress"
	"github.com/grailbio/testutil/assert"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func roundTrip(t *testing.T, ext, plaintext string) {
	f, ok := compress.Lookup(ext)
	assert.True(t, ok)

	var compressed bytes.Buffer
	w, err := f(nopCloser{&compressed}, true)
	assert.NoError(t, err)
	_, err = io.WriteString(w, plaintext)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	r, err := f(nopCloser{&compressed}, false)
	assert.NoError(t, err)
	got, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.EQ(t, string(got), plaintext)
}

func randomText(buf *strings.Builder, r *rand.Rand, n int) {
	for i := 0; i < n; i++ {
		buf.WriteByte(byte(r.Intn(96) + 32))
	}
}

func TestGzipRoundTrip(t *testing.T) {
	roundTrip(t, ".gz", "")
	roundTrip(t, ".gz", "hello")
	n := 1
	for i := 1; i < 25; i++ {
		r := rand.New(rand.NewSource(int64(i)))
		n = (n + 1) * 3 / 2
		buf := strings.Builder{}
		randomText(&buf, r, n)
		t.Run(fmt.Sprint("n=", n), func(t *testing.T) { roundTrip(t, ".gz", buf.String()) })
	}
}

// bzip2Compress shells out to the system bzip2 binary, since this
// module carries no bzip2 encoder (see compress.bzip2Factory).
func bzip2Compress(t *testing.T, in []byte) []byte {
	temp, err := os.CreateTemp("", "test")
	assert.NoError(t, err)
	_, err = temp.Write(in)
	assert.NoError(t, err)
	assert.NoError(t, temp.Close())
	cmd := exec.Command("bzip2", temp.Name())
	if err := cmd.Run(); err != nil {
		t.Skipf("bzip2 binary unavailable: %v", err)
	}
	compressed, err := os.ReadFile(temp.Name() + ".bz2")
	assert.NoError(t, err)
	assert.NoError(t, os.Remove(temp.Name()+".bz2"))
	return compressed
}

func TestBzip2ReadOnly(t *testing.T) {
	data := bzip2Compress(t, []byte("A purple fox jumped over a blue cat"))
	f, ok := compress.Lookup(".bz2")
	assert.True(t, ok)
	r, err := f(nopCloser{bytes.NewBuffer(data)}, false)
	assert.NoError(t, err)
	got, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.EQ(t, string(got), "A purple fox jumped over a blue cat")

	_, err = f(nopCloser{&bytes.Buffer{}}, true)
	assert.True(t, err != nil)
}

func TestStripSuffix(t *testing.T) {
	inner, f, ok := compress.StripSuffix("object.txt.gz")
	assert.True(t, ok)
	assert.NotNil(t, f)
	assert.EQ(t, inner, "object.txt")

	_, _, ok = compress.StripSuffix("object.txt")
	assert.False(t, ok)

	_, _, ok = compress.StripSuffix("noext")
	assert.False(t, ok)
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	inner, f, ok := compress.StripSuffix("object.gz")
	assert.True(t, ok)
	assert.NotNil(t, f)
	assert.EQ(t, inner, "object")

	// Registering a new factory for an extension already used by a
	// built-in replaces it; used by open() with a user-supplied codec
	// for the same suffix.
	called := false
	compress.Register(".gz", func(raw io.ReadWriteCloser, write bool) (io.ReadWriteCloser, error) {
		called = true
		return raw, nil
	})
	defer compress.Register(".gz", func(raw io.ReadWriteCloser, write bool) (io.ReadWriteCloser, error) {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		return struct {
			io.Reader
			io.Writer
			io.Closer
		}{gz, raw, raw}, nil
	})
	f2, ok := compress.Lookup(".gz")
	assert.True(t, ok)
	_, err := f2(nopCloser{&bytes.Buffer{}}, false)
	assert.NoError(t, err)
	assert.True(t, called)
}
