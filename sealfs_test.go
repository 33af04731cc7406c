package sealfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(seed byte) Identity {
	var id Identity
	id.Measurement[0] = seed
	id.Signer[0] = 0xAA
	id.ProductID = 1
	id.SecurityVersion = 1
	return id
}

func testProvider(t testing.TB) KeyProvider {
	t.Helper()
	p, err := NewPlatformKeyProvider(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestHost(t *testing.T) absfs.FileSystem {
	t.Helper()
	host, err := memfs.NewFS()
	require.NoError(t, err)
	return host
}

func newTestFS(t *testing.T, host HostFS, opts ...func(*Config)) *FS {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &Config{
		KeyProvider: testProvider(t),
		Identity:    testIdentity(1),
		BlockSize:   MinBlockSize,
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	sfs, err := New(host, cfg)
	require.NoError(t, err)
	return sfs
}

func testData(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func writeSealed(t *testing.T, sfs *FS, name string, mode Mode, data []byte) {
	t.Helper()
	f, err := sfs.Create(name, mode)
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())
}

// readSealed opens name and reads it to the end
func readSealed(sfs *FS, name string, mode Mode) ([]byte, error) {
	f, err := sfs.Open(name, mode)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func hostBytes(t *testing.T, host HostFS, name string) []byte {
	t.Helper()
	f, err := host.OpenFile(name, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return b
}

func patchHost(t *testing.T, host HostFS, name string, off int64, data []byte) {
	t.Helper()
	f, err := host.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(off, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
}

func replaceHost(t *testing.T, host HostFS, name string, data []byte) {
	t.Helper()
	require.NoError(t, host.Remove(name))
	f, err := host.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(data)
	require.NoError(t, err)
}

// livePairs returns the number of node pairs referenced by the file
func livePairs(t *testing.T, sfs *FS, name string, mode Mode) uint64 {
	t.Helper()
	f, err := sfs.Open(name, mode)
	require.NoError(t, err)
	defer f.Close()
	return f.tree.nextPair
}

// liveSlots returns the slot holding the committed version of every node
func liveSlots(t *testing.T, sfs *FS, name string, mode Mode) []nodePointer {
	t.Helper()
	f, err := sfs.Open(name, mode)
	require.NoError(t, err)
	defer f.Close()

	tr := f.tree
	n := tr.layout.dataNodes(tr.length)
	var slots []nodePointer
	for level := uint8(0); n > 0 && level <= tr.height; level++ {
		for i := uint64(0); i < tr.levelCount(n, level); i++ {
			nd, err := tr.get(nodeKey{level: level, index: i})
			require.NoError(t, err)
			slots = append(slots, nd.ptr)
		}
	}
	return slots
}

var bothModes = []Mode{ModeFull, ModeIntegrityOnly}

func TestNew(t *testing.T) {
	_, err := New(nil, &Config{KeyProvider: testProvider(t), Identity: testIdentity(1)})
	assert.Error(t, err)

	_, err = New(newTestHost(t), nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	_, err = New(newTestHost(t), &Config{KeyProvider: testProvider(t)})
	assert.ErrorIs(t, err, ErrZeroIdentity)
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 63, 64, 65, 128, 129, 1000, 4096, 20000}
	ciphers := []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305}

	for _, mode := range bothModes {
		for _, suite := range ciphers {
			for _, size := range sizes {
				host := newTestHost(t)
				sfs := newTestFS(t, host, func(c *Config) { c.Cipher = suite })
				data := testData(t, size, int64(size))

				writeSealed(t, sfs, "/data.bin", mode, data)
				got, err := readSealed(sfs, "/data.bin", mode)
				require.NoError(t, err, "mode %s cipher %s size %d", mode, suite, size)
				require.True(t, bytes.Equal(data, got), "mode %s cipher %s size %d", mode, suite, size)
			}
		}
	}
}

func TestRoundTrip_DefaultBlockSize(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host, func(c *Config) { c.BlockSize = 0 })
	data := testData(t, 3*DefaultBlockSize+17, 7)

	writeSealed(t, sfs, "/big.bin", ModeFull, data)
	got, err := readSealed(sfs, "/big.bin", ModeFull)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFullModeHidesPlaintext(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	data := bytes.Repeat([]byte("top secret "), 50)

	writeSealed(t, sfs, "/secret", ModeFull, data)
	raw := hostBytes(t, host, "/secret")
	assert.False(t, bytes.Contains(raw, []byte("top secret")))

	writeSealed(t, sfs, "/public", ModeIntegrityOnly, data)
	raw = hostBytes(t, host, "/public")
	assert.True(t, bytes.Contains(raw, []byte("top secret")))
}

func TestIncrementalWrites(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			host := newTestHost(t)
			sfs := newTestFS(t, host)
			want := testData(t, 3000, 1)

			writeSealed(t, sfs, "/f", mode, want[:1000])

			// append across several flushes and reopens
			for off := 1000; off < len(want); off += 500 {
				f, err := sfs.Open("/f", mode)
				require.NoError(t, err)
				_, err = f.Seek(0, io.SeekEnd)
				require.NoError(t, err)
				_, err = f.Write(want[off : off+500])
				require.NoError(t, err)
				require.NoError(t, f.Close())
			}

			// overwrite a range spanning several nodes in the middle
			patch := testData(t, 300, 2)
			copy(want[900:], patch)
			f, err := sfs.Open("/f", mode)
			require.NoError(t, err)
			_, err = f.WriteAt(patch, 900)
			require.NoError(t, err)
			require.NoError(t, f.Flush())
			_, err = f.WriteAt([]byte{0xEE}, 0)
			require.NoError(t, err)
			want[0] = 0xEE
			require.NoError(t, f.Close())

			got, err := readSealed(sfs, "/f", mode)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestWriteBeyondEndZeroFills(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)

	f, err := sfs.Create("/sparse", ModeFull)
	require.NoError(t, err)
	_, err = f.Write([]byte("head"))
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("tail"), 1000)
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(1004), size)
	require.NoError(t, f.Close())

	got, err := readSealed(sfs, "/sparse", ModeFull)
	require.NoError(t, err)
	require.Len(t, got, 1004)
	assert.Equal(t, []byte("head"), got[:4])
	assert.Equal(t, make([]byte, 996), got[4:1000])
	assert.Equal(t, []byte("tail"), got[1000:])
}

func TestReadSemantics(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	data := testData(t, 200, 3)
	writeSealed(t, sfs, "/r", ModeFull, data)

	f, err := sfs.Open("/r", ModeFull)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 150)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 150, n)
	assert.Equal(t, data[:150], buf)

	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 50, n, "short read only at end of file")
	assert.Equal(t, data[150:], buf[:n])

	n, err = f.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	n, err = f.ReadAt(buf, 100)
	assert.Equal(t, 100, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, data[100:], buf[:n])

	n, err = f.ReadAt(buf[:10], 5)
	require.NoError(t, err)
	assert.Equal(t, data[5:15], buf[:10])

	pos, err := f.Seek(-20, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(180), pos)
	pos, err = f.Seek(5, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(185), pos)

	_, err = f.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	_, err = f.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	_, err = f.Read(nil)
	assert.ErrorIs(t, err, ErrNilBuffer)
}

func TestTamperDetection(t *testing.T) {
	for _, mode := range bothModes {
		for _, rewrites := range []int{0, 1} {
			t.Run(fmt.Sprintf("%s/rewrites=%d", mode, rewrites), func(t *testing.T) {
				host := newTestHost(t)
				sfs := newTestFS(t, host)
				data := testData(t, 700, 4)
				writeSealed(t, sfs, "/t", mode, data)

				// rewriting identical content moves every node to its other slot
				for i := 0; i < rewrites; i++ {
					f, err := sfs.Open("/t", mode)
					require.NoError(t, err)
					_, err = f.WriteAt(data, 0)
					require.NoError(t, err)
					require.NoError(t, f.Close())
				}

				l := newLayout(MinBlockSize)
				var offsets []int64
				for off := int64(0); off < MetadataRegionSize; off++ {
					offsets = append(offsets, off)
				}
				for _, p := range liveSlots(t, sfs, "/t", mode) {
					if rewrites > 0 {
						require.Equal(t, uint8(1), p.slot)
					}
					base := l.offset(p)
					for i := int64(0); i < l.slotSize; i++ {
						offsets = append(offsets, base+i)
					}
				}

				original := hostBytes(t, host, "/t")
				for _, off := range offsets {
					patchHost(t, host, "/t", off, []byte{original[off] ^ 0x01})

					_, err := readSealed(sfs, "/t", mode)
					require.ErrorIs(t, err, ErrIntegrityViolation, "flipped byte at offset %d", off)

					patchHost(t, host, "/t", off, []byte{original[off]})
				}

				got, err := readSealed(sfs, "/t", mode)
				require.NoError(t, err)
				assert.Equal(t, data, got)
			})
		}
	}
}

// A file copied over another on the host must not open under the new path
func TestSubstitutionDetected(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			host := newTestHost(t)
			sfs := newTestFS(t, host)
			writeSealed(t, sfs, "/a", mode, []byte("content of file a"))
			writeSealed(t, sfs, "/b", mode, []byte("content of file b"))

			replaceHost(t, host, "/b", hostBytes(t, host, "/a"))
			_, err := readSealed(sfs, "/b", mode)
			assert.ErrorIs(t, err, ErrIntegrityViolation)

			got, err := readSealed(sfs, "/a", mode)
			require.NoError(t, err)
			assert.Equal(t, []byte("content of file a"), got)
		})
	}
}

func TestTruncationDetected(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			host := newTestHost(t)
			sfs := newTestFS(t, host)
			writeSealed(t, sfs, "/t", mode, testData(t, 700, 5))
			original := hostBytes(t, host, "/t")

			for _, size := range []int{0, 100, MetadataRegionSize, 600, len(original) - 1} {
				replaceHost(t, host, "/t", original[:size])
				_, err := readSealed(sfs, "/t", mode)
				assert.ErrorIs(t, err, ErrIntegrityViolation, "truncated to %d bytes", size)
			}
		})
	}
}

func TestReorderDetected(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	writeSealed(t, sfs, "/t", ModeIntegrityOnly, testData(t, 2000, 6))

	l := newLayout(MinBlockSize)
	original := hostBytes(t, host, "/t")
	a := l.offset(nodePointer{pair: 10})
	b := l.offset(nodePointer{pair: 20})

	swapped := append([]byte(nil), original...)
	copy(swapped[a:a+l.slotSize], original[b:b+l.slotSize])
	copy(swapped[b:b+l.slotSize], original[a:a+l.slotSize])
	replaceHost(t, host, "/t", swapped)

	_, err := readSealed(sfs, "/t", ModeIntegrityOnly)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestReplayDetected(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			host := newTestHost(t)
			sfs := newTestFS(t, host)
			writeSealed(t, sfs, "/t", mode, testData(t, 1000, 7))

			f, err := sfs.Open("/t", mode)
			require.NoError(t, err)
			_, err = f.WriteAt([]byte("new version"), 0)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			// put the stale version of every rewritten node back in place
			l := newLayout(MinBlockSize)
			raw := hostBytes(t, host, "/t")
			replayed := append([]byte(nil), raw...)
			for p := uint64(0); ; p++ {
				slotA := l.offset(nodePointer{pair: p})
				slotB := l.offset(nodePointer{pair: p, slot: 1})
				if slotB+l.slotSize > int64(len(raw)) {
					break
				}
				if !allZero(raw[slotB : slotB+l.slotSize]) {
					copy(replayed[slotB:slotB+l.slotSize], raw[slotA:slotA+l.slotSize])
				}
			}
			require.NotEqual(t, raw, replayed)
			replaceHost(t, host, "/t", replayed)

			_, err = readSealed(sfs, "/t", mode)
			assert.ErrorIs(t, err, ErrIntegrityViolation)
		})
	}
}

func TestIdentityBinding(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			host := newTestHost(t)
			owner := newTestFS(t, host)
			writeSealed(t, owner, "/t", mode, []byte("bound to one identity"))

			other := newTestFS(t, host, func(c *Config) { c.Identity = testIdentity(2) })
			_, err := other.Open("/t", mode)
			assert.ErrorIs(t, err, ErrIntegrityViolation)

			unavailable := newTestFS(t, host, func(c *Config) {
				c.KeyProvider = stubProvider{err: errors.New("sealing facility unavailable")}
			})
			_, err = unavailable.Open("/t", mode)
			assert.ErrorIs(t, err, ErrKeyDerivation)
			_, err = unavailable.Create("/new", mode)
			assert.ErrorIs(t, err, ErrKeyDerivation)
			_, err = host.Stat("/new")
			assert.Error(t, err, "failed create must not leave a host file")

			got, err := readSealed(owner, "/t", mode)
			require.NoError(t, err)
			assert.Equal(t, []byte("bound to one identity"), got)
		})
	}
}

// countingHost counts every call made on the host filesystem
type countingHost struct {
	HostFS
	calls int
}

func (c *countingHost) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	c.calls++
	return c.HostFS.OpenFile(name, flag, perm)
}

func (c *countingHost) Stat(name string) (os.FileInfo, error) {
	c.calls++
	return c.HostFS.Stat(name)
}

func (c *countingHost) Remove(name string) error {
	c.calls++
	return c.HostFS.Remove(name)
}

// countingProvider counts key derivations
type countingProvider struct {
	KeyProvider
	calls int
}

func (c *countingProvider) DeriveKey(id Identity, nonce []byte) ([]byte, error) {
	c.calls++
	return c.KeyProvider.DeriveKey(id, nonce)
}

func TestPathRejectionDoesNoIO(t *testing.T) {
	host := &countingHost{HostFS: newTestHost(t)}
	provider := &countingProvider{KeyProvider: testProvider(t)}
	sfs := newTestFS(t, host, func(c *Config) { c.KeyProvider = provider })

	for _, name := range []string{"", "/", ".", "..", "state", "../escape", "/a/../b", "/a/", "/a//b", "/x\x00y", "/dev/null", `C:\file`} {
		_, err := sfs.Create(name, ModeFull)
		assert.ErrorIs(t, err, ErrInvalidPath, "Create(%q)", name)
		_, err = sfs.Open(name, ModeIntegrityOnly)
		assert.ErrorIs(t, err, ErrInvalidPath, "Open(%q)", name)
		assert.ErrorIs(t, sfs.Remove(name), ErrInvalidPath, "Remove(%q)", name)
	}
	assert.Zero(t, host.calls, "host calls")
	assert.Zero(t, provider.calls, "key derivations")

	_, err := sfs.Create("/ok", Mode(0))
	assert.True(t, IsValidationError(err))
	assert.Zero(t, host.calls)
}

func TestAuthenticationTag(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	content := testData(t, 777, 8)

	tagOf := func(name string) Tag {
		f, err := sfs.Create(name, ModeIntegrityOnly)
		require.NoError(t, err)
		_, err = f.Write(content[:300])
		require.NoError(t, err)
		_, err = f.Write(content[300:])
		require.NoError(t, err)
		tag, err := f.AuthenticationTag()
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return tag
	}

	a := tagOf("/a")
	b := tagOf("/b")
	assert.Equal(t, a, b, "equal content under one identity gives equal tags")
	assert.False(t, a.IsZero())

	// a separate instance with the same identity agrees
	again := newTestFS(t, newTestHost(t))
	f, err := again.Create("/c", ModeIntegrityOnly)
	require.NoError(t, err)
	_, err = f.Write(content[:300])
	require.NoError(t, err)
	_, err = f.Write(content[300:])
	require.NoError(t, err)
	c, err := f.AuthenticationTag()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, a, c)

	// reopening yields the tag observed before close
	f, err = sfs.Open("/a", ModeIntegrityOnly)
	require.NoError(t, err)
	reopened, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.Equal(t, a, reopened)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	afterRead, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.Equal(t, a, afterRead)
	require.NoError(t, f.Close())

	// a different identity gives a different tag for the same content
	stranger := newTestFS(t, newTestHost(t), func(c *Config) { c.Identity = testIdentity(9) })
	f, err = stranger.Create("/a", ModeIntegrityOnly)
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	d, err := f.AuthenticationTag()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.NotEqual(t, a, d)
}

func TestAuthenticationTag_Live(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)

	f, err := sfs.Create("/live", ModeIntegrityOnly)
	require.NoError(t, err)
	empty, err := f.AuthenticationTag()
	require.NoError(t, err)

	_, err = f.Write(testData(t, 500, 9))
	require.NoError(t, err)
	unflushed, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.NotEqual(t, empty, unflushed, "tag reflects unflushed writes")

	require.NoError(t, f.Flush())
	flushed, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.Equal(t, unflushed, flushed)

	_, err = f.WriteAt([]byte{1}, 10)
	require.NoError(t, err)
	changed, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.NotEqual(t, flushed, changed)
	require.NoError(t, f.Close())

	f, err = sfs.Open("/live", ModeIntegrityOnly)
	require.NoError(t, err)
	defer f.Close()
	reopened, err := f.AuthenticationTag()
	require.NoError(t, err)
	assert.Equal(t, changed, reopened)
}

func TestAuthenticationTag_FullMode(t *testing.T) {
	sfs := newTestFS(t, newTestHost(t))
	f, err := sfs.Create("/full", ModeFull)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.AuthenticationTag()
	assert.ErrorIs(t, err, ErrTagUnavailable)

	// not a fault
	_, err = f.Write([]byte("still usable"))
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)

	assert.ErrorIs(t, sfs.Remove("/missing"), ErrNotFound)

	writeSealed(t, sfs, "/gone", ModeFull, []byte("bye"))
	require.NoError(t, sfs.Remove("/gone"))

	_, err := sfs.Open("/gone", ModeFull)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, sfs.Remove("/gone"), ErrNotFound)
}

func TestRemoveDirectory(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	require.NoError(t, host.MkdirAll("/dir", 0755))

	assert.ErrorIs(t, sfs.Remove("/dir"), ErrInvalidPath)
	info, err := host.Stat("/dir")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateExisting(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	writeSealed(t, sfs, "/once", ModeFull, []byte("first"))

	_, err := sfs.Create("/once", ModeFull)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := readSealed(sfs, "/once", ModeFull)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestOpenMissing(t *testing.T) {
	sfs := newTestFS(t, newTestHost(t))
	_, err := sfs.Open("/nothing", ModeFull)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsIOError(err))
}

func TestModeMismatch(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	writeSealed(t, sfs, "/full", ModeFull, []byte("x"))
	writeSealed(t, sfs, "/mac", ModeIntegrityOnly, []byte("x"))

	_, err := sfs.Open("/full", ModeIntegrityOnly)
	assert.ErrorIs(t, err, ErrModeMismatch)
	_, err = sfs.Open("/mac", ModeFull)
	assert.ErrorIs(t, err, ErrModeMismatch)
}

func TestFaultedHandle(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	writeSealed(t, sfs, "/f", ModeIntegrityOnly, testData(t, 1000, 10))

	// corrupt the first payload byte of every node; the metadata stays intact
	l := newLayout(MinBlockSize)
	raw := hostBytes(t, host, "/f")
	for p := uint64(0); l.offset(nodePointer{pair: p})+l.slotSize <= int64(len(raw)); p++ {
		off := l.offset(nodePointer{pair: p}) + NonceSize
		patchHost(t, host, "/f", off, []byte{raw[off] ^ 0xff})
	}

	f, err := sfs.Open("/f", ModeIntegrityOnly)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = f.Read(buf)
	require.ErrorIs(t, err, ErrIntegrityViolation)
	assert.Equal(t, make([]byte, 10), buf, "no data returned from a failed read")

	_, err = f.Read(buf)
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, f.Flush(), ErrFaulted)
	_, err = f.AuthenticationTag()
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = f.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = f.Size()
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, fe.Cause, ErrIntegrityViolation)

	assert.NoError(t, f.Close())
	_, err = f.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteDoesNotPartiallyApply(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)
	data := testData(t, 640, 11)
	writeSealed(t, sfs, "/w", ModeFull, data)

	// the last pair allocated by a single write holds the last data node
	l := newLayout(MinBlockSize)
	last := l.offset(nodePointer{pair: livePairs(t, sfs, "/w", ModeFull) - 1})
	raw := hostBytes(t, host, "/w")
	patchHost(t, host, "/w", last+NonceSize+1, []byte{raw[last+NonceSize+1] ^ 0x10})

	f, err := sfs.Open("/w", ModeFull)
	require.NoError(t, err)

	_, err = f.WriteAt(bytes.Repeat([]byte{0xAB}, 640), 0)
	require.ErrorIs(t, err, ErrIntegrityViolation)

	first, ok := f.tree.cache.get(nodeKey{level: 0, index: 0})
	require.True(t, ok)
	assert.Equal(t, data[:MinBlockSize], first.data, "verified nodes are left untouched")
	assert.False(t, f.tree.dirty())
	assert.Equal(t, int64(640), f.tree.length)
	require.NoError(t, f.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	sfs := newTestFS(t, newTestHost(t))
	f, err := sfs.Create("/c", ModeFull)
	require.NoError(t, err)
	_, err = f.Write([]byte("data"))
	require.NoError(t, err)

	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())

	_, err = f.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.Flush(), ErrClosed)
	_, err = f.AuthenticationTag()
	assert.ErrorIs(t, err, ErrClosed)

	got, err := readSealed(sfs, "/c", ModeFull)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got, "close flushes")
}

func TestSmallCache(t *testing.T) {
	for _, mode := range bothModes {
		host := newTestHost(t)
		sfs := newTestFS(t, host, func(c *Config) { c.CacheSize = 1 })
		data := testData(t, 5000, 12)
		writeSealed(t, sfs, "/c", mode, data)

		f, err := sfs.Open("/c", mode)
		require.NoError(t, err)
		for pass := 0; pass < 2; pass++ {
			got := make([]byte, len(data))
			_, err := f.ReadAt(got, 0)
			require.NoError(t, err)
			require.Equal(t, data, got)
		}
		assert.LessOrEqual(t, f.tree.cache.clean.Len(), 1)
		require.NoError(t, f.Close())
	}
}

func TestParallelFlush(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host, func(c *Config) {
		c.Parallel = ParallelConfig{Enabled: true, MaxWorkers: 4, MinNodesForParallel: 2}
	})
	data := testData(t, 50000, 13)

	for _, mode := range bothModes {
		name := "/p-" + mode.String()
		writeSealed(t, sfs, name, mode, data)
		got, err := readSealed(sfs, name, mode)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestDeepTree(t *testing.T) {
	host := newTestHost(t)
	sfs := newTestFS(t, host)

	// fanout is 2 at the minimum block size, so this needs many levels
	data := testData(t, 64*300, 14)
	f, err := sfs.Create("/deep", ModeIntegrityOnly)
	require.NoError(t, err)
	for off := 0; off < len(data); off += 1000 {
		end := min(off+1000, len(data))
		_, err = f.Write(data[off:end])
		require.NoError(t, err)
		if off%5000 == 0 {
			require.NoError(t, f.Flush())
		}
	}
	assert.Equal(t, uint8(9), f.tree.height)
	require.NoError(t, f.Close())

	got, err := readSealed(sfs, "/deep", ModeIntegrityOnly)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// faultyHost fails every handle write from the failFrom'th one on, and the
// failSync'th sync only
type faultyHost struct {
	HostFS
	writes   int
	failFrom int
	syncs    int
	failSync int
}

func (h *faultyHost) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := h.HostFS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: f, host: h}, nil
}

type faultyFile struct {
	absfs.File
	host *faultyHost
}

func (f *faultyFile) Write(p []byte) (int, error) {
	f.host.writes++
	if f.host.failFrom > 0 && f.host.writes >= f.host.failFrom {
		return 0, errors.New("injected write failure")
	}
	return f.File.Write(p)
}

func (f *faultyFile) Sync() error {
	f.host.syncs++
	if f.host.failSync > 0 && f.host.syncs == f.host.failSync {
		return errors.New("injected sync failure")
	}
	return f.File.Sync()
}

func TestInterruptedFlushKeepsCommittedContent(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			before := testData(t, 900, 15)
			after := testData(t, 1500, 16)

			for failAt := 1; ; failAt++ {
				host := &faultyHost{HostFS: newTestHost(t)}
				sfs := newTestFS(t, host)
				writeSealed(t, sfs, "/crash", mode, before)

				f, err := sfs.Open("/crash", mode)
				require.NoError(t, err)
				_, err = f.WriteAt(after, 0)
				require.NoError(t, err)

				host.writes = 0
				host.failFrom = failAt
				err = f.Flush()
				if err == nil {
					require.NoError(t, f.Close())
					got, err := readSealed(sfs, "/crash", mode)
					require.NoError(t, err)
					require.Equal(t, after, got)
					require.Greater(t, failAt, 3, "flush should take several writes")
					return
				}
				require.ErrorIs(t, err, ErrIO)
				require.NotErrorIs(t, err, ErrFaulted)
				require.NoError(t, f.Close())

				host.failFrom = 0
				got, err := readSealed(sfs, "/crash", mode)
				require.NoError(t, err, "crash at write %d", failAt)
				require.Equal(t, before, got, "crash at write %d", failAt)
			}
		})
	}
}

func TestFlushRetryAfterHostFailure(t *testing.T) {
	host := &faultyHost{HostFS: newTestHost(t)}
	sfs := newTestFS(t, host)
	writeSealed(t, sfs, "/retry", ModeFull, []byte("v1"))

	f, err := sfs.Open("/retry", ModeFull)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("v2 is longer"), 0)
	require.NoError(t, err)

	host.writes = 0
	host.failFrom = 2
	require.ErrorIs(t, f.Flush(), ErrIO)

	host.failFrom = 0
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	got, err := readSealed(sfs, "/retry", ModeFull)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2 is longer"), got)
}

// Once the metadata node is written the new slots are committed, even if the
// sync after it fails. A later interrupted flush must not overwrite them.
func TestFlushAfterFailedSync(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			v1 := testData(t, 600, 17)
			v2 := testData(t, 600, 18)
			v3 := testData(t, 600, 19)

			for failAt := 1; ; failAt++ {
				host := &faultyHost{HostFS: newTestHost(t)}
				sfs := newTestFS(t, host)
				writeSealed(t, sfs, "/x", mode, v1)

				f, err := sfs.Open("/x", mode)
				require.NoError(t, err)
				_, err = f.WriteAt(v2, 0)
				require.NoError(t, err)

				host.syncs = 0
				host.failSync = 2
				require.ErrorIs(t, f.Flush(), ErrIO)
				host.failSync = 0

				_, err = f.WriteAt(v3, 0)
				require.NoError(t, err)
				host.writes = 0
				host.failFrom = failAt
				err = f.Flush()
				if err == nil {
					require.NoError(t, f.Close())
					got, err := readSealed(sfs, "/x", mode)
					require.NoError(t, err)
					require.Equal(t, v3, got)
					return
				}
				require.ErrorIs(t, err, ErrIO)
				require.NoError(t, f.Close())

				host.failFrom = 0
				got, err := readSealed(sfs, "/x", mode)
				require.NoError(t, err, "crash at write %d", failAt)
				require.Equal(t, v2, got, "crash at write %d", failAt)
			}
		})
	}
}

func TestRootPrefix(t *testing.T) {
	host := newTestHost(t)
	require.NoError(t, host.MkdirAll("/vault", 0755))
	sfs := newTestFS(t, host, func(c *Config) { c.Root = "/vault" })

	_, err := sfs.Create("state", ModeFull)
	require.ErrorIs(t, err, ErrInvalidPath, "logical paths are absolute")

	writeSealed(t, sfs, "/state", ModeFull, []byte("kept under root"))
	_, err = host.Stat("/vault/state")
	require.NoError(t, err)

	got, err := readSealed(sfs, "/state", ModeFull)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept under root"), got)
}
