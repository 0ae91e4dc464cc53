package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// MemoryClient is an in-process Client with the same conditional-put
// semantics as the cloud providers. It also injects failures for tests.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	clock   clock.Clock
	failing map[string]error
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryClient creates an empty in-memory bucket.
func NewMemoryClient(clk clock.Clock) *MemoryClient {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryClient{
		objects: make(map[string]memoryObject),
		clock:   clk,
		failing: make(map[string]error),
	}
}

// FailOn makes op ("put", "get", "head", "delete", "list") return err
// until cleared with a nil err.
func (c *MemoryClient) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failing, op)
		return
	}
	c.failing[op] = err
}

func (c *MemoryClient) failure(op string) error {
	return c.failing[op]
}

// Put implements Client.
func (c *MemoryClient) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("content length %d does not match body %d", size, len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("put"); err != nil {
		return err
	}
	if _, ok := c.objects[key]; ok {
		return ErrExists
	}
	c.objects[key] = memoryObject{data: data, modTime: c.clock.Now()}
	return nil
}

// Get implements Client.
func (c *MemoryClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.failure("get"); err != nil {
		return nil, err
	}
	obj, ok := c.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Head implements Client.
func (c *MemoryClient) Head(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.failure("head"); err != nil {
		return Info{}, err
	}
	obj, ok := c.objects[key]
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

// Delete implements Client.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("delete"); err != nil {
		return err
	}
	delete(c.objects, key)
	return nil
}

// List implements Client. Keys are yielded in lexical order.
func (c *MemoryClient) List(ctx context.Context, prefix string) iter.Seq2[Info, error] {
	return func(yield func(Info, error) bool) {
		c.mu.RLock()
		if err := c.failure("list"); err != nil {
			c.mu.RUnlock()
			yield(Info{}, err)
			return
		}
		var infos []Info
		for k, obj := range c.objects {
			if strings.HasPrefix(k, prefix) {
				infos = append(infos, Info{Key: k, Size: int64(len(obj.data)), ModTime: obj.modTime})
			}
		}
		c.mu.RUnlock()

		slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Key, b.Key) })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(Info{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Keys returns the stored keys in lexical order.
func (c *MemoryClient) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ Client = (*MemoryClient)(nil)
