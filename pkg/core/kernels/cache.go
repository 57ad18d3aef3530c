package kernels

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/fluxgraph/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// objectExt is the file extension of cached kernel objects.
const objectExt = ".fxo"

// Cache builds kernel functions, memoizing them per exact (name, source digest, signature) and
// storing compiled objects in a content-addressed on-disk cache.
//
// It is safe for concurrent use.
type Cache struct {
	compiler Compiler
	dir      string

	mu        sync.Mutex
	modules   map[string]*Module
	functions map[functionKey]*Function

	compiles, diskHits, memoHits atomic.Int64
}

type functionKey struct {
	name, digest, sig string
}

// Stats are the observable counters of a Cache.
type Stats struct {
	// Compiles is the number of times the compiler was invoked.
	Compiles int64

	// DiskHits is the number of objects loaded from the on-disk cache.
	DiskHits int64

	// MemoHits is the number of Build calls served from memory.
	MemoHits int64
}

// NewCache creates a cache using compiler. If dir is empty the on-disk cache is disabled.
func NewCache(compiler Compiler, dir string) *Cache {
	return &Cache{
		compiler:  compiler,
		dir:       dir,
		modules:   make(map[string]*Module),
		functions: make(map[functionKey]*Function),
	}
}

// Compiler used by the cache.
func (c *Cache) Compiler() Compiler { return c.compiler }

// Dir of the on-disk cache, empty if disabled.
func (c *Cache) Dir() string { return c.dir }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{Compiles: c.compiles.Load(), DiskHits: c.diskHits.Load(), MemoHits: c.memoHits.Load()}
}

// Digest returns the content digest of src: a SHA-256 over the compiler identity, its flags
// and the source text, each length-prefixed.
func (c *Cache) Digest(src string) string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(c.compiler.Identity())
	writeField(strings.Join(c.compiler.Flags(), "\x00"))
	writeField(src)
	return hex.EncodeToString(h.Sum(nil))
}

// Build returns the function name, compiled from src and bound with signature sig.
//
// It fails with a *CompileError if compilation fails and with a *SignatureError if the compiled
// function cannot be bound as sig.
func (c *Cache) Build(name, src string, sig Signature) (*Function, error) {
	digest := c.Digest(src)
	key := functionKey{name: name, digest: digest, sig: sig.String()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, found := c.functions[key]; found {
		c.memoHits.Add(1)
		return fn, nil
	}
	mod, err := c.lockedModule(digest, src)
	if err != nil {
		return nil, &CompileError{Name: name, Digest: digest, Err: err}
	}
	fn, err := mod.Function(name, sig)
	if err != nil {
		return nil, err
	}
	c.functions[key] = fn
	return fn, nil
}

// lockedModule returns the module of digest: from memory, from disk or freshly compiled.
func (c *Cache) lockedModule(digest, src string) (*Module, error) {
	if mod, found := c.modules[digest]; found {
		return mod, nil
	}
	var mod *Module
	if object, found := c.load(digest); found {
		var err error
		mod, err = c.compiler.Link(object)
		if err != nil {
			klog.Warningf("discarding cached kernel object %s: %v", digest, err)
			mod = nil
		} else {
			c.diskHits.Add(1)
			klog.V(2).Infof("kernel object %.12s loaded from %s", digest, c.dir)
		}
	}
	if mod == nil {
		c.compiles.Add(1)
		object, err := c.compiler.Compile(src)
		if err != nil {
			return nil, err
		}
		c.store(digest, object)
		if mod, err = c.compiler.Link(object); err != nil {
			return nil, err
		}
		klog.V(1).Infof("compiled kernel object %.12s with %s: %v", digest, c.compiler.Identity(), mod.Names())
	}
	mod.digest = digest
	for _, fn := range mod.functions {
		fn.digest = digest
	}
	c.modules[digest] = mod
	return mod, nil
}

func (c *Cache) objectPath(digest string) string {
	return filepath.Join(c.dir, digest+objectExt)
}

func (c *Cache) load(digest string) ([]byte, bool) {
	if c.dir == "" {
		return nil, false
	}
	object, err := os.ReadFile(c.objectPath(digest))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("failed to read cached kernel object %s: %v", digest, err)
		}
		return nil, false
	}
	return object, true
}

// store the object on disk. Failures are logged: the object is still used from memory.
func (c *Cache) store(digest string, object []byte) {
	if c.dir == "" {
		return
	}
	if err := fsutil.InstallFile(c.dir, digest+objectExt, object); err != nil {
		klog.Warningf("failed to cache kernel object %s: %v", digest, err)
	}
}

// Invalidate drops everything built from the source with the given digest, in memory and on disk.
func (c *Cache) Invalidate(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modules, digest)
	for key := range c.functions {
		if key.digest == digest {
			delete(c.functions, key)
		}
	}
	if c.dir != "" {
		if err := os.Remove(c.objectPath(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("failed to remove cached kernel object %s: %v", digest, err)
		}
	}
}

var (
	sharedMu     sync.Mutex
	sharedCaches map[string]*Cache
)

// Shared returns the process-wide cache for the compiler identity, flags and cache directory.
// Caches are created lazily, on the first request for a given configuration.
func Shared(compiler Compiler, dir string) *Cache {
	key := strings.Join([]string{compiler.Identity(), strings.Join(compiler.Flags(), "\x00"), dir}, "\x01")
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCaches == nil {
		sharedCaches = make(map[string]*Cache)
	}
	cache, found := sharedCaches[key]
	if !found {
		cache = NewCache(compiler, dir)
		sharedCaches[key] = cache
		klog.V(1).Infof("created shared kernel cache for %s (dir=%q)", compiler.Identity(), dir)
	}
	return cache
}

// InvalidateShared invalidates digest in every process-wide cache.
func InvalidateShared(digest string) {
	sharedMu.Lock()
	caches := make([]*Cache, 0, len(sharedCaches))
	for _, cache := range sharedCaches {
		caches = append(caches, cache)
	}
	sharedMu.Unlock()
	for _, cache := range caches {
		cache.Invalidate(digest)
	}
}
